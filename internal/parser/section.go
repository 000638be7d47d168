// Package parser reads the frontend/backend subset of HAProxy configuration
// text into model records. Unknown directives are skipped, never fatal.
package parser

import (
	"bufio"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/fabian4/haproxy-console/internal/model"
)

// maxLineBytes bounds a single configuration line.
const maxLineBytes = 1 << 20

// Skip records a line with a known keyword that could not be read.
type Skip struct {
	File   string
	Line   int
	Text   string
	Reason error
}

// Result holds the sections of one file in order of appearance.
type Result struct {
	Frontends []model.Frontend
	Backends  []model.Backend
	Skipped   []Skip
}

type state int

const (
	noSection state = iota
	inFrontend
	inBackend
)

type sectionParser struct {
	file  string
	state state
	fe    model.Frontend
	be    model.Backend
	out   Result
}

// Parse runs the section state machine over text. sourceFile is recorded on
// every emitted section. An error is returned only when the text cannot be
// scanned; in that case the sections read so far are returned with it.
func Parse(sourceFile, text string) (*Result, error) {
	p := &sectionParser{file: sourceFile}
	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = stripComment(line)
		d, err := Classify(line)
		if err != nil {
			p.out.Skipped = append(p.out.Skipped, Skip{File: sourceFile, Line: n, Text: line, Reason: err})
			continue
		}
		if d != nil {
			p.apply(d)
		}
	}
	p.close()
	if err := sc.Err(); err != nil {
		return &p.out, errors.Wrapf(err, "scan %s after line %d", sourceFile, n)
	}
	return &p.out, nil
}

func (p *sectionParser) apply(d Directive) {
	if h, ok := d.(Header); ok {
		p.close()
		switch h.Kind {
		case KindFrontend:
			p.state = inFrontend
			p.fe = model.Frontend{
				Name:       h.Name,
				SourceFile: p.file,
				Binds:      []model.Bind{},
				ACLs:       []model.ACL{},
				Rules:      []model.RoutingRule{},
			}
		case KindBackend:
			p.state = inBackend
			p.be = model.Backend{
				Name:       h.Name,
				SourceFile: p.file,
				Mode:       model.DefaultMode,
				Balance:    model.DefaultBalance,
				Servers:    []model.Server{},
			}
		}
		return
	}

	switch p.state {
	case inFrontend:
		switch v := d.(type) {
		case Bind:
			p.fe.Binds = append(p.fe.Binds, model.Bind(v))
		case ACL:
			p.fe.ACLs = append(p.fe.ACLs, model.ACL(v))
		case UseBackend:
			p.fe.Rules = append(p.fe.Rules, model.RoutingRule(v))
		case DefaultBackend:
			p.fe.DefaultBackend = string(v)
		case Mode:
			p.fe.Mode = string(v)
		}
	case inBackend:
		switch v := d.(type) {
		case Server:
			p.be.Servers = append(p.be.Servers, model.Server(v))
		case Mode:
			p.be.Mode = string(v)
		case Balance:
			p.be.Balance = string(v)
		}
	}
}

// close emits the open section, if any.
func (p *sectionParser) close() {
	switch p.state {
	case inFrontend:
		p.out.Frontends = append(p.out.Frontends, p.fe)
	case inBackend:
		p.out.Backends = append(p.out.Backends, p.be)
	}
	p.state = noSection
}
