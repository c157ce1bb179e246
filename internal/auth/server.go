package auth

import (
	"context"
	"fmt"
	"html"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// CallbackPath is the redirect path registered with every provider.
const CallbackPath = "/oauth/callback"

// DefaultCallbackPort is the loopback port of the registered redirect URI.
const DefaultCallbackPort = 6969

// callbackResult holds the OAuth2 callback parameters.
type callbackResult struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// callbackServer is a one-shot loopback listener for the provider redirect.
// Only the first request to CallbackPath is delivered; later ones get 410.
type callbackServer struct {
	listener net.Listener
	server   *http.Server
	results  chan callbackResult
	once     sync.Once
}

// listenCallback binds 127.0.0.1:port. Port 0 picks a free port. There is
// no fallback port: the redirect URI registered with the provider is fixed.
func listenCallback(port int) (*callbackServer, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("failed to start callback server on port %d: %w", port, err)
	}

	cs := &callbackServer{
		listener: ln,
		results:  make(chan callbackResult, 1),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(CallbackPath, cs.handle)

	cs.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	go func() {
		_ = cs.server.Serve(ln)
	}()

	return cs, nil
}

// RedirectURL is the redirect_uri for this listener.
func (cs *callbackServer) RedirectURL() string {
	port := cs.listener.Addr().(*net.TCPAddr).Port
	return fmt.Sprintf("http://127.0.0.1:%d%s", port, CallbackPath)
}

func (cs *callbackServer) handle(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res := callbackResult{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	}

	delivered := false
	cs.once.Do(func() {
		cs.results <- res
		delivered = true
	})
	if !delivered {
		http.Error(w, "authorization already handled", http.StatusGone)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if res.Error != "" {
		msg := res.Error
		if res.ErrorDescription != "" {
			msg += ": " + res.ErrorDescription
		}
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head><title>Authorization Failed</title></head>
<body>
<h1>Authorization Failed</h1>
<p>Error: %s</p>
<p>You can close this window and try again.</p>
</body>
</html>`, html.EscapeString(msg))
		return
	}

	fmt.Fprint(w, `<!DOCTYPE html>
<html>
<head><title>Authorization Received</title></head>
<body>
<h1>Authorization received</h1>
<p>You can close this window and return to the terminal.</p>
</body>
</html>`)
}

// Close stops the listener and waits briefly for in-flight responses.
func (cs *callbackServer) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = cs.server.Shutdown(ctx)
}
