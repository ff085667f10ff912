package router

import (
	"fmt"
	"sort"
	"strings"

	"github.com/beego/beego/v2/server/web"
)

// RouteGroup 路由组，组内路由共享前缀与过滤器
type RouteGroup struct {
	prefix   string
	filters  []web.FilterFunc
	parent   *RouteGroup
	children []*RouteGroup
	routes   []Route
}

// Route 路由定义
type Route struct {
	Method     string
	Path       string
	Handler    string
	Controller web.ControllerInterface
	// Filters 仅作用于本路由，在控制器执行前运行
	Filters []web.FilterFunc
}

// RouteDefinition 展开后的路由，用于调试和测试
type RouteDefinition struct {
	Method  string
	Path    string
	Handler string
}

// NewRouteGroup 创建路由组
func NewRouteGroup(prefix string) *RouteGroup {
	return &RouteGroup{prefix: prefix}
}

// Group 创建子路由组
func (rg *RouteGroup) Group(prefix string) *RouteGroup {
	child := NewRouteGroup(prefix)
	child.parent = rg
	rg.children = append(rg.children, child)
	return child
}

// Use 添加过滤器，作用于组前缀下的全部路径
func (rg *RouteGroup) Use(filters ...web.FilterFunc) *RouteGroup {
	rg.filters = append(rg.filters, filters...)
	return rg
}

// Add 添加路由
func (rg *RouteGroup) Add(method, path string, ctrl web.ControllerInterface, handler string, filters ...web.FilterFunc) *RouteGroup {
	rg.routes = append(rg.routes, Route{
		Method:     strings.ToLower(method),
		Path:       path,
		Handler:    handler,
		Controller: ctrl,
		Filters:    filters,
	})
	return rg
}

// GET 添加GET路由
func (rg *RouteGroup) GET(path string, ctrl web.ControllerInterface, handler string, filters ...web.FilterFunc) *RouteGroup {
	return rg.Add("GET", path, ctrl, handler, filters...)
}

// POST 添加POST路由
func (rg *RouteGroup) POST(path string, ctrl web.ControllerInterface, handler string, filters ...web.FilterFunc) *RouteGroup {
	return rg.Add("POST", path, ctrl, handler, filters...)
}

// PUT 添加PUT路由
func (rg *RouteGroup) PUT(path string, ctrl web.ControllerInterface, handler string, filters ...web.FilterFunc) *RouteGroup {
	return rg.Add("PUT", path, ctrl, handler, filters...)
}

// DELETE 添加DELETE路由
func (rg *RouteGroup) DELETE(path string, ctrl web.ControllerInterface, handler string, filters ...web.FilterFunc) *RouteGroup {
	return rg.Add("DELETE", path, ctrl, handler, filters...)
}

func (rg *RouteGroup) fullPrefix() string {
	if rg.parent == nil {
		return rg.prefix
	}
	return rg.parent.fullPrefix() + rg.prefix
}

// Register 把组内过滤器与路由注册到 Beego
func (rg *RouteGroup) Register() {
	prefix := rg.fullPrefix()
	for _, f := range rg.filters {
		pattern := prefix + "/*"
		if prefix == "" {
			pattern = "/*"
		}
		web.InsertFilter(pattern, web.BeforeRouter, f)
	}

	for _, b := range rg.bindings(prefix) {
		web.Router(b.path, b.controller, b.mapping)
	}
	for _, r := range rg.routes {
		for _, f := range r.Filters {
			web.InsertFilter(prefix+r.Path, web.BeforeExec, f)
		}
	}

	for _, child := range rg.children {
		child.Register()
	}
}

type binding struct {
	path       string
	controller web.ControllerInterface
	mapping    string
}

// bindings 同一路径同一控制器的多个方法合并为一条 "get:List;post:Upload" 映射
func (rg *RouteGroup) bindings(prefix string) []binding {
	type key struct {
		path string
		ctrl web.ControllerInterface
	}
	var order []key
	methods := make(map[key][]string)
	for _, r := range rg.routes {
		k := key{path: prefix + r.Path, ctrl: r.Controller}
		if _, seen := methods[k]; !seen {
			order = append(order, k)
		}
		methods[k] = append(methods[k], fmt.Sprintf("%s:%s", r.Method, r.Handler))
	}

	out := make([]binding, 0, len(order))
	for _, k := range order {
		out = append(out, binding{path: k.path, controller: k.ctrl, mapping: strings.Join(methods[k], ";")})
	}
	return out
}

// GetAllRoutes 获取所有路由定义，按路径排序
func (rg *RouteGroup) GetAllRoutes() []RouteDefinition {
	var routes []RouteDefinition
	rg.collectRoutes(&routes)
	sort.Slice(routes, func(i, j int) bool {
		if routes[i].Path == routes[j].Path {
			return routes[i].Method < routes[j].Method
		}
		return routes[i].Path < routes[j].Path
	})
	return routes
}

func (rg *RouteGroup) collectRoutes(routes *[]RouteDefinition) {
	prefix := rg.fullPrefix()
	for _, r := range rg.routes {
		*routes = append(*routes, RouteDefinition{
			Method:  strings.ToUpper(r.Method),
			Path:    prefix + r.Path,
			Handler: r.Handler,
		})
	}
	for _, child := range rg.children {
		child.collectRoutes(routes)
	}
}
