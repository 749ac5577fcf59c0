package server

import (
	"net/http/pprof"

	"github.com/gin-gonic/gin"
)

func registerPProf(engine *gin.Engine, base string) {
	engine.GET(base+"/", gin.WrapF(pprof.Index))
	engine.GET(base+"/cmdline", gin.WrapF(pprof.Cmdline))
	engine.GET(base+"/profile", gin.WrapF(pprof.Profile))
	engine.GET(base+"/symbol", gin.WrapF(pprof.Symbol))
	engine.POST(base+"/symbol", gin.WrapF(pprof.Symbol))
	engine.GET(base+"/trace", gin.WrapF(pprof.Trace))

	for _, name := range []string{"allocs", "block", "goroutine", "heap", "mutex", "threadcreate"} {
		engine.GET(base+"/"+name, gin.WrapH(pprof.Handler(name)))
	}
}
