package render

import (
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/module_host/internal/module"
)

// Resolved is one module needed to render a request.
type Resolved struct {
	Name  string
	Props module.Props
}

// Resolution is the router's answer for a request path. Exactly one of
// Redirect, NotFound or Modules is meaningful.
type Resolution struct {
	Redirect       string
	NotFound       bool
	Modules        []Resolved
	Status         int
	DisableScripts bool
}

// Router resolves request paths against the root module's route table.
type Router interface {
	Resolve(root module.Tenant, path string) Resolution
}

type compiled struct {
	identity string
	router   *mux.Router
	routes   map[*mux.Route]module.Route
}

// TenantRouter matches paths with gorilla/mux routers built from the root
// module's routes. The compiled router is cached until the root module
// version changes.
type TenantRouter struct {
	log   logrus.FieldLogger
	cache atomic.Pointer[compiled]
}

// NewTenantRouter creates a TenantRouter.
func NewTenantRouter(log logrus.FieldLogger) *TenantRouter {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &TenantRouter{log: log}
}

// Resolve implements Router.
func (t *TenantRouter) Resolve(root module.Tenant, path string) Resolution {
	c := t.compile(root)

	req := &http.Request{Method: http.MethodGet, URL: &url.URL{Path: path}, Header: http.Header{}}
	var match mux.RouteMatch
	if !c.router.Match(req, &match) || match.MatchErr != nil {
		return Resolution{NotFound: true}
	}
	rt := c.routes[match.Route]
	vars := match.Vars
	if vars == nil {
		vars = map[string]string{}
	}

	if rt.Redirect != "" {
		return Resolution{Redirect: expand(rt.Redirect, vars)}
	}

	props := module.Props{"params": vars, "route": rt}
	res := Resolution{
		Status:         rt.HTTPStatus,
		DisableScripts: rt.DisableScripts,
		Modules:        []Resolved{{Name: root.Name(), Props: props}},
	}
	if name := expand(rt.ModuleName, vars); name != "" && name != root.Name() {
		res.Modules = append(res.Modules, Resolved{Name: name, Props: props})
	}
	return res
}

func (t *TenantRouter) compile(root module.Tenant) *compiled {
	id := root.Name() + "@" + root.Version()
	if c := t.cache.Load(); c != nil && c.identity == id {
		return c
	}

	c := &compiled{identity: id, router: mux.NewRouter(), routes: map[*mux.Route]module.Route{}}
	for _, rt := range root.Routes() {
		if rt.Path == "" {
			continue
		}
		var route *mux.Route
		if rt.Prefix {
			route = c.router.PathPrefix(rt.Path)
		} else {
			route = c.router.Path(rt.Path)
		}
		if err := route.GetError(); err != nil {
			t.log.WithError(err).WithFields(logrus.Fields{
				"module": root.Name(),
				"path":   rt.Path,
			}).Warn("ignoring invalid route")
			continue
		}
		c.routes[route] = rt
	}
	t.cache.Store(c)
	return c
}

// expand substitutes {name} placeholders with path variables.
func expand(s string, vars map[string]string) string {
	if !strings.Contains(s, "{") {
		return s
	}
	for k, v := range vars {
		s = strings.ReplaceAll(s, "{"+k+"}", v)
	}
	return s
}
