package proxycfg

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// File-provider document shapes, matching the proxy's dynamic
// configuration format.

type document struct {
	HTTP httpSection `yaml:"http"`
}

type httpSection struct {
	Routers     map[string]router     `yaml:"routers"`
	Services    map[string]service    `yaml:"services"`
	Middlewares map[string]middleware `yaml:"middlewares,omitempty"`
}

type router struct {
	Rule        string   `yaml:"rule"`
	Service     string   `yaml:"service"`
	Middlewares []string `yaml:"middlewares,omitempty"`
}

type service struct {
	LoadBalancer loadBalancer `yaml:"loadBalancer"`
}

type loadBalancer struct {
	Servers []server `yaml:"servers"`
}

type server struct {
	URL string `yaml:"url"`
}

type middleware struct {
	ForwardAuth *forwardAuth `yaml:"forwardAuth,omitempty"`
	StripPrefix *stripPrefix `yaml:"stripPrefix,omitempty"`
}

type forwardAuth struct {
	Address            string `yaml:"address"`
	TrustForwardHeader bool   `yaml:"trustForwardHeader"`
}

type stripPrefix struct {
	Prefixes []string `yaml:"prefixes"`
}

// FileWriter emits per-user route documents into the proxy's watched
// dynamic-configuration directory. The whole document is rewritten
// atomically on every change.
type FileWriter struct {
	root      string
	verifyURL string
}

// NewFileWriter creates a writer. verifyURL is the core's auth-check
// callback the forward-auth middleware dials.
func NewFileWriter(root, verifyURL string) (*FileWriter, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create proxy dynamic root: %w", err)
	}
	return &FileWriter{root: root, verifyURL: verifyURL}, nil
}

// Path returns the per-user document path.
func (w *FileWriter) Path(username string) string {
	return filepath.Join(w.root, "student-"+username+".yaml")
}

// Apply renders and writes the user's route document.
func (w *FileWriter) Apply(rs *RouteSet) error {
	doc := w.render(rs)
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal route document: %w", err)
	}
	return atomicWrite(w.Path(rs.Username), data)
}

// Remove deletes the user's route document. Removing an absent document
// is success.
func (w *FileWriter) Remove(username string) error {
	err := os.Remove(w.Path(username))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove route document: %w", err)
	}
	return nil
}

// Read returns the raw document bytes, or nil when absent.
func (w *FileWriter) Read(username string) ([]byte, error) {
	data, err := os.ReadFile(w.Path(username))
	if os.IsNotExist(err) {
		return nil, nil
	}
	return data, err
}

func (w *FileWriter) render(rs *RouteSet) *document {
	doc := &document{HTTP: httpSection{
		Routers:     make(map[string]router),
		Services:    make(map[string]service),
		Middlewares: make(map[string]middleware),
	}}

	doc.HTTP.Middlewares[AuthMiddlewareName] = middleware{
		ForwardAuth: &forwardAuth{Address: w.verifyURL, TrustForwardHeader: true},
	}

	for _, r := range rs.Routes {
		name := rs.RouterName(r.Endpoint)
		prefix := rs.PathPrefix(r.Endpoint)

		mws := []string{AuthMiddlewareName}
		if r.StripPrefix {
			stripName := name + "-strip"
			doc.HTTP.Middlewares[stripName] = middleware{
				StripPrefix: &stripPrefix{Prefixes: []string{prefix}},
			}
			mws = append(mws, stripName)
		}

		doc.HTTP.Routers[name] = router{
			Rule:        fmt.Sprintf("PathPrefix(`%s`)", prefix),
			Service:     name,
			Middlewares: mws,
		}
		doc.HTTP.Services[name] = service{
			LoadBalancer: loadBalancer{Servers: []server{
				{URL: fmt.Sprintf("http://%s:%d", rs.ServiceHost, r.Port)},
			}},
		}
	}

	return doc
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
