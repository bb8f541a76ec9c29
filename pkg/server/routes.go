package server

import (
	"strings"
)

// route is one entry of the closed routing table
type route int

const (
	routeStatic route = iota
	routeIndex
	routeChat
	routeLogout
	routeMessages
	routeAuth
	routeRegistration
	routeLogoutOthers
	routeSessionRotate
	routeNotFound
	routeNotImplemented
)

var routeNames = [...]string{
	routeStatic:         "static",
	routeIndex:          "index",
	routeChat:           "chat",
	routeLogout:         "logout",
	routeMessages:       "messages",
	routeAuth:           "auth",
	routeRegistration:   "registration",
	routeLogoutOthers:   "logout_others",
	routeSessionRotate:  "session_rotate",
	routeNotFound:       "not_found",
	routeNotImplemented: "not_implemented",
}

func (r route) String() string {
	if int(r) < len(routeNames) {
		return routeNames[r]
	}
	return "unknown"
}

var getRoutes = map[string]route{
	"/":           routeIndex,
	"/index.html": routeIndex,
	"/chat.html":  routeChat,
	"/logout":     routeLogout,
	"/messages":   routeMessages,
}

var postRoutes = map[string]route{
	"/auth":           routeAuth,
	"/registration":   routeRegistration,
	"/logout/others":  routeLogoutOthers,
	"/session/rotate": routeSessionRotate,
}

// resolveRoute picks the route for a method and request target. Methods
// are matched case-insensitively; paths exactly.
func resolveRoute(method, target string) route {
	p := requestPath(target)
	switch strings.ToUpper(method) {
	case "GET":
		if r, ok := getRoutes[p]; ok {
			return r
		}
		return routeStatic
	case "POST":
		if r, ok := postRoutes[p]; ok {
			return r
		}
		return routeNotFound
	}
	return routeNotImplemented
}

// requestPath strips the query string from a request target
func requestPath(target string) string {
	p, _, _ := strings.Cut(target, "?")
	return p
}
