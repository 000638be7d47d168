package api

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/fabian4/haproxy-console/internal/command"
	"github.com/fabian4/haproxy-console/internal/model"
	"github.com/fabian4/haproxy-console/internal/service"
	"github.com/fabian4/haproxy-console/internal/store"
	"github.com/fabian4/haproxy-console/internal/topology"
)

// reply is the {success, message} envelope every mutating route answers with.
type reply struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func fail(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, reply{Message: msg})
}

// body reads the named fields from a JSON object or a form post.
func body(w http.ResponseWriter, r *http.Request, fields ...string) (map[string]string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	out := make(map[string]string, len(fields))

	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/x-www-form-urlencoded" || ct == "multipart/form-data" {
		for _, f := range fields {
			if v, ok := formValue(r, f); ok {
				out[f] = v
			}
		}
		return out, nil
	}

	raw := map[string]json.RawMessage{}
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrap(err, "invalid JSON body")
	}
	for _, f := range fields {
		v, ok := raw[f]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return nil, errors.Newf("field %q must be a string", f)
		}
		out[f] = s
	}
	return out, nil
}

func formValue(r *http.Request, key string) (string, bool) {
	_ = r.ParseMultipartForm(maxBodyBytes)
	if vs, ok := r.Form[key]; ok && len(vs) > 0 {
		return vs[0], true
	}
	return "", false
}

var fragmentName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*\.cfg$`)

// fragmentPath resolves a conf.d file name; names with separators are refused.
func (s *Server) fragmentPath(name string) (string, bool) {
	if !fragmentName.MatchString(name) || strings.Contains(name, "..") {
		return "", false
	}
	return filepath.Join(s.ConfDir, name), true
}

var backendFile = regexp.MustCompile(`^10-(.+)_backend\.cfg$`)

func (s *Server) topology(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Topology.Build(r.Context()))
}

type routeReply struct {
	Success bool   `json:"success"`
	Host    string `json:"host"`
	Port    int    `json:"port,omitempty"`
	topology.Decision
}

func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	host := strings.TrimSpace(r.URL.Query().Get("host"))
	if host == "" {
		fail(w, http.StatusBadRequest, "host is required.")
		return
	}
	port := 0
	if p := r.URL.Query().Get("port"); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			fail(w, http.StatusBadRequest, "port must be between 1 and 65535.")
			return
		}
		port = n
	}

	frontends, _, err := s.Topology.Sections()
	if err != nil {
		s.Logger.Error("route lookup failed", zap.Error(err))
		fail(w, http.StatusInternalServerError, err.Error())
		return
	}
	d, ok := topology.NewRouteTable(frontends).Match(host, port)
	if !ok {
		fail(w, http.StatusNotFound, fmt.Sprintf("No frontend routes %s.", host))
		return
	}
	writeJSON(w, http.StatusOK, routeReply{Success: true, Host: host, Port: port, Decision: d})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Status model.ServiceStatus `json:"status"`
	}{s.Controller.Status(r.Context())})
}

func (s *Server) action(w http.ResponseWriter, r *http.Request) {
	in, err := body(w, r, "action")
	if err != nil {
		fail(w, http.StatusBadRequest, err.Error())
		return
	}
	action := in["action"]
	out, err := s.Controller.Do(r.Context(), action)
	switch {
	case errors.Is(err, command.ErrUnknownAction):
		fail(w, http.StatusBadRequest, "Invalid action")
	case err != nil:
		s.Logger.Warn("proxy action failed", zap.String("action", action), zap.Error(err))
		var ee *command.ExitError
		if errors.As(err, &ee) {
			writeJSON(w, http.StatusOK, reply{Message: "Command failed: " + ee.Detail()})
			return
		}
		writeJSON(w, http.StatusOK, reply{Message: err.Error()})
	default:
		writeJSON(w, http.StatusOK, reply{Success: true, Message: out})
	}
}

func (s *Server) listFragments(w http.ResponseWriter, r *http.Request) {
	files, err := s.Store.ListFiles(s.ConfDir, ".cfg")
	if err != nil {
		s.Logger.Error("error listing config files", zap.Error(err))
		fail(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Success bool     `json:"success"`
		Files   []string `json:"files"`
	}{true, files})
}

type contentReply struct {
	Success  bool   `json:"success"`
	Filename string `json:"filename,omitempty"`
	Content  string `json:"content"`
}

func (s *Server) fragmentContent(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["filename"]
	path, ok := s.fragmentPath(name)
	if !ok {
		fail(w, http.StatusBadRequest, "Invalid filename.")
		return
	}
	content, err := s.Store.ReadText(path)
	if errors.Is(err, store.ErrNotFound) {
		fail(w, http.StatusNotFound, "File not found.")
		return
	}
	if err != nil {
		fail(w, http.StatusInternalServerError, "Error reading file: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, contentReply{Success: true, Filename: name, Content: content})
}

func (s *Server) createFragment(w http.ResponseWriter, r *http.Request) {
	in, err := body(w, r, "filename", "content")
	if err != nil {
		fail(w, http.StatusBadRequest, err.Error())
		return
	}
	name, content := strings.TrimSpace(in["filename"]), in["content"]
	if name == "" || content == "" {
		fail(w, http.StatusBadRequest, "Filename and content are required.")
		return
	}
	path, ok := s.fragmentPath(name)
	if !ok {
		fail(w, http.StatusBadRequest, "Invalid filename.")
		return
	}
	if s.Store.Exists(path) {
		fail(w, http.StatusConflict, fmt.Sprintf("File '%s' already exists.", name))
		return
	}
	if err := s.Store.WriteText(path, content); err != nil {
		fail(w, http.StatusInternalServerError, "Error creating file: "+err.Error())
		return
	}
	s.Logger.Info("fragment created", zap.String("file", path))
	writeJSON(w, http.StatusOK, reply{Success: true, Message: fmt.Sprintf("File '%s' created successfully.", name)})
}

func (s *Server) updateFragment(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["filename"]
	path, ok := s.fragmentPath(name)
	if !ok {
		fail(w, http.StatusBadRequest, "Invalid filename.")
		return
	}
	if !s.Store.Exists(path) {
		fail(w, http.StatusNotFound, "File not found.")
		return
	}
	in, err := body(w, r, "content")
	if err != nil {
		fail(w, http.StatusBadRequest, err.Error())
		return
	}
	content, present := in["content"]
	if !present {
		fail(w, http.StatusBadRequest, "Content is required.")
		return
	}
	if err := s.Store.WriteText(path, content); err != nil {
		fail(w, http.StatusInternalServerError, "Error updating file: "+err.Error())
		return
	}
	s.Logger.Info("fragment updated", zap.String("file", path))
	writeJSON(w, http.StatusOK, reply{Success: true, Message: fmt.Sprintf("File '%s' updated successfully.", name)})
}

// deleteFragment also drops the routing lines of a wizard-created backend.
func (s *Server) deleteFragment(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["filename"]
	path, ok := s.fragmentPath(name)
	if !ok {
		fail(w, http.StatusBadRequest, "Invalid filename.")
		return
	}
	err := s.Store.Delete(path)
	if errors.Is(err, store.ErrNotFound) {
		fail(w, http.StatusNotFound, "File not found.")
		return
	}
	if err != nil {
		fail(w, http.StatusInternalServerError, "Error deleting file: "+err.Error())
		return
	}
	s.Logger.Info("fragment deleted", zap.String("file", path))

	msg := fmt.Sprintf("File '%s' deleted successfully.", name)
	if m := backendFile.FindStringSubmatch(name); m != nil && s.Frontend != nil {
		res := s.Frontend.RemoveRouting(r.Context(), m[1])
		if !res.Success {
			writeJSON(w, http.StatusInternalServerError, reply{Message: msg + " " + res.Message})
			return
		}
		msg += " " + res.Message
	}
	writeJSON(w, http.StatusOK, reply{Success: true, Message: msg})
}

func (s *Server) wizard(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		fail(w, http.StatusBadRequest, err.Error())
		return
	}
	req, err := service.DecodeRequest(raw)
	if err != nil {
		fail(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.Wizard.AddService(r.Context(), req)
	if errors.Is(err, service.ErrInvalid) {
		fail(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		fail(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) mainConfig(w http.ResponseWriter, r *http.Request) {
	content, err := s.Store.ReadText(s.MainConfig)
	if err != nil {
		fail(w, http.StatusInternalServerError, "Error reading haproxy.cfg: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, contentReply{Success: true, Filename: filepath.Base(s.MainConfig), Content: content})
}

func (s *Server) updateMainConfig(w http.ResponseWriter, r *http.Request) {
	in, err := body(w, r, "content")
	if err != nil {
		fail(w, http.StatusBadRequest, err.Error())
		return
	}
	content, present := in["content"]
	if !present {
		fail(w, http.StatusBadRequest, "Content is required.")
		return
	}
	if err := s.Store.WriteText(s.MainConfig, content); err != nil {
		fail(w, http.StatusInternalServerError, "Error updating haproxy.cfg: "+err.Error())
		return
	}
	s.Logger.Info("main config updated", zap.String("file", s.MainConfig))
	writeJSON(w, http.StatusOK, reply{Success: true, Message: "haproxy.cfg updated successfully."})
}
