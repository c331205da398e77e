package remote

import (
	"bufio"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"sync"

	"github.com/tigerroll/logstats/pkg/pipeline/support/util/exception"
)

// TemplateExtension is the file suffix of query templates.
const TemplateExtension = ".graphql"

// Directives read from leading comment lines of a template.
const (
	resultDirective  = "@result"
	datasetDirective = "@dataset"
)

// QueryDefinition is a loaded query template.
type QueryDefinition struct {
	Name  string
	Query string
	// ResultPath is the dot-separated path of the sub-document decoded into the caller's
	// value, e.g. "data.reportData.report". Empty means the whole response body.
	ResultPath string
	// Dataset is the cache dataset results are written to. Defaults to Name.
	Dataset string
}

// TemplateLoader resolves query names to query definitions.
type TemplateLoader interface {
	LoadQueryTemplate(name string) (QueryDefinition, error)
}

// FSTemplateLoader loads {name}.graphql files from a file system, typically an embed.FS.
//
// A template may start with comment directives:
//
//	# @result data.reportData.report
//	# @dataset fights
type FSTemplateLoader struct {
	fsys fs.FS
	dir  string

	mu    sync.RWMutex
	cache map[string]QueryDefinition
}

// NewFSTemplateLoader creates a loader reading templates under dir of fsys.
func NewFSTemplateLoader(fsys fs.FS, dir string) *FSTemplateLoader {
	return &FSTemplateLoader{fsys: fsys, dir: dir, cache: make(map[string]QueryDefinition)}
}

// LoadQueryTemplate implements TemplateLoader.
func (l *FSTemplateLoader) LoadQueryTemplate(name string) (QueryDefinition, error) {
	l.mu.RLock()
	def, ok := l.cache[name]
	l.mu.RUnlock()
	if ok {
		return def, nil
	}

	if name == "" || strings.ContainsAny(name, "/\\") {
		return QueryDefinition{}, exception.NewNotFoundError(module, fmt.Sprintf("query template '%s'", name))
	}
	data, err := fs.ReadFile(l.fsys, path.Join(l.dir, name+TemplateExtension))
	if err != nil {
		return QueryDefinition{}, exception.NewNotFoundError(module, fmt.Sprintf("query template '%s'", name))
	}
	def = parseTemplate(name, string(data))

	l.mu.Lock()
	l.cache[name] = def
	l.mu.Unlock()
	return def, nil
}

func parseTemplate(name, text string) QueryDefinition {
	def := QueryDefinition{Name: name, Query: strings.TrimSpace(text), Dataset: name}
	sc := bufio.NewScanner(strings.NewReader(text))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "#") {
			break
		}
		fields := strings.Fields(strings.TrimPrefix(line, "#"))
		if len(fields) != 2 {
			continue
		}
		switch fields[0] {
		case resultDirective:
			def.ResultPath = fields[1]
		case datasetDirective:
			def.Dataset = fields[1]
		}
	}
	return def
}

// StaticTemplateLoader serves definitions held in memory.
type StaticTemplateLoader map[string]QueryDefinition

// LoadQueryTemplate implements TemplateLoader.
func (s StaticTemplateLoader) LoadQueryTemplate(name string) (QueryDefinition, error) {
	def, ok := s[name]
	if !ok {
		return QueryDefinition{}, exception.NewNotFoundError(module, fmt.Sprintf("query template '%s'", name))
	}
	if def.Name == "" {
		def.Name = name
	}
	if def.Dataset == "" {
		def.Dataset = name
	}
	return def, nil
}
