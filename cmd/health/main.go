package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"
)

// Sidecar health endpoint for orchestrators that cannot reach the main
// process directly. /health reports the sidecar itself; /healthz relays
// the main server's own healthz so a wedged sync process fails the probe.
func main() {
	addr := flag.String("addr", ":8081", "listen address for the health sidecar")
	target := flag.String("target", "http://127.0.0.1:8080/healthz", "main server health URL to relay")
	ver := flag.String("version", "dev", "version string to return")
	flag.Parse()

	client := &fasthttp.Client{
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}

	h := func(ctx *fasthttp.RequestCtx) {
		ctx.Response.Header.Set("Content-Type", "application/json")
		switch string(ctx.Path()) {
		case "/health":
			ctx.SetStatusCode(fasthttp.StatusOK)
			_, _ = ctx.WriteString(fmt.Sprintf("{\"status\":\"ok\",\"version\":\"%s\"}", *ver))
		case "/healthz":
			status, _, err := client.GetTimeout(nil, *target, 2*time.Second)
			if err != nil || status != fasthttp.StatusOK {
				ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
				_, _ = ctx.WriteString(fmt.Sprintf("{\"status\":\"unreachable\",\"target\":\"%s\"}", *target))
				return
			}
			ctx.SetStatusCode(fasthttp.StatusOK)
			_, _ = ctx.WriteString(fmt.Sprintf("{\"status\":\"ok\",\"version\":\"%s\"}", *ver))
		default:
			ctx.SetStatusCode(fasthttp.StatusNotFound)
		}
	}

	fmt.Printf("health sidecar listening on %s\n", *addr)
	srv := &fasthttp.Server{
		Handler:            h,
		Name:               "notesync-health",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       5 * time.Second,
		MaxRequestBodySize: 1 << 20,
	}
	if err := srv.ListenAndServe(*addr); err != nil {
		fmt.Printf("health server exit: %v\n", err)
	}
}
