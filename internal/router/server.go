package router

import (
	"context"
	"net"
	"net/http"
	"time"
)

// NewServer serves h on addr. Request contexts end as soon as Shutdown
// starts; hijacked stream connections are not drained by Shutdown and rely
// on that to close.
func NewServer(addr string, h http.Handler) *http.Server {
	base, cancel := context.WithCancel(context.Background())
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return base },
	}
	srv.RegisterOnShutdown(cancel)
	return srv
}
