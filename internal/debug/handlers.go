// Package debug mounts the runtime profiling surface on a gin router group.
// The edge hangs it behind the internal service token, so profiles are
// reachable on the existing listener without a second port.
package debug

import (
	"net/http/pprof"

	"github.com/gin-gonic/gin"
)

// RegisterRoutes mounts the pprof handlers under the given group. The group
// prefix must end in /debug for the index page's relative links to resolve.
func RegisterRoutes(g *gin.RouterGroup) {
	g.GET("/pprof/", gin.WrapF(pprof.Index))
	g.GET("/pprof/cmdline", gin.WrapF(pprof.Cmdline))
	g.GET("/pprof/profile", gin.WrapF(pprof.Profile))
	g.GET("/pprof/symbol", gin.WrapF(pprof.Symbol))
	g.POST("/pprof/symbol", gin.WrapF(pprof.Symbol))
	g.GET("/pprof/trace", gin.WrapF(pprof.Trace))
	g.GET("/pprof/allocs", gin.WrapH(pprof.Handler("allocs")))
	g.GET("/pprof/block", gin.WrapH(pprof.Handler("block")))
	g.GET("/pprof/goroutine", gin.WrapH(pprof.Handler("goroutine")))
	g.GET("/pprof/heap", gin.WrapH(pprof.Handler("heap")))
	g.GET("/pprof/mutex", gin.WrapH(pprof.Handler("mutex")))
	g.GET("/pprof/threadcreate", gin.WrapH(pprof.Handler("threadcreate")))
}
