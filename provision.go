package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const provisionForm = `<!DOCTYPE html>
<html>
    <head> <title>Gatewatch Wifi Settings</title> </head>
    <body>
    <form action="/wifi" method="GET">
      <label for="ssid">SSID:</label>
      <input type="text" id="ssid" name="ssid"><br><br>
      <label for="pwd">Password:</label>
      <input type="text" id="pwd" name="pwd"><br><br>
      <input type="submit" value="Submit">
    </form>
    </body>
</html>
`

// ProvisioningServer serves the Wi-Fi form on the access point and waits for
// one submission.
type ProvisioningServer struct {
	addr string
	// contactDeadline replaces the window deadline once somebody connects, so
	// a human typing slowly is not cut off.
	contactDeadline time.Duration
}

// NewProvisioningServer returns a server that will listen on addr.
func NewProvisioningServer(addr string, contactDeadline time.Duration) *ProvisioningServer {
	return &ProvisioningServer{addr: addr, contactDeadline: contactDeadline}
}

// Serve listens on the configured address and waits for one submission
// within window.  ok is false when the window elapsed without one.
func (p *ProvisioningServer) Serve(ctx context.Context, window ProvisioningWindow) (WifiCredentials, bool, error) {
	ln, err := net.Listen("tcp", p.addr)
	if err != nil {
		return WifiCredentials{}, false, fmt.Errorf("provisioning listen %s: %w", p.addr, err)
	}
	return p.ServeListener(ctx, ln, window)
}

// ServeListener is Serve on an existing listener, which it closes.
func (p *ProvisioningServer) ServeListener(ctx context.Context, ln net.Listener, window ProvisioningWindow) (WifiCredentials, bool, error) {
	submitted := make(chan WifiCredentials, 1)
	contact := make(chan struct{}, 1)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/wifi", func(w http.ResponseWriter, r *http.Request) {
		writeForm(w)
		creds, ok := parseSubmission(r.URL.RawQuery)
		if !ok {
			return
		}
		select {
		case submitted <- creds:
			log.Printf("provisioning: credentials for %q submitted by %s", creds.SSID, r.RemoteAddr)
		default:
			// Only the first submission counts.
		}
	})
	// Captive portal: every other path gets the form as well.
	r.NotFound(func(w http.ResponseWriter, r *http.Request) { writeForm(w) })

	srv := &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 30 * time.Second,
		ConnState: func(_ net.Conn, state http.ConnState) {
			if state == http.StateNew {
				select {
				case contact <- struct{}{}:
				default:
				}
			}
		},
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()
	log.Printf("provisioning: serving form on %s (window %s)", ln.Addr(), describeWindow(window))

	var timer *time.Timer
	var deadline <-chan time.Time
	if !window.Indefinite() {
		timer = time.NewTimer(window.Deadline)
		defer timer.Stop()
		deadline = timer.C
	}

	contacted := false
	for {
		select {
		case creds := <-submitted:
			p.shutdown(srv)
			return creds, true, nil
		case <-contact:
			if contacted {
				continue
			}
			contacted = true
			if timer != nil && p.contactDeadline > 0 {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(p.contactDeadline)
				log.Printf("provisioning: client connected, waiting up to %s", p.contactDeadline)
			}
		case <-deadline:
			log.Printf("provisioning: %v", ErrProvisioningTimeout)
			p.shutdown(srv)
			return WifiCredentials{}, false, nil
		case <-ctx.Done():
			p.shutdown(srv)
			return WifiCredentials{}, false, ctx.Err()
		case err := <-serveErr:
			if errors.Is(err, http.ErrServerClosed) {
				err = errors.New("closed unexpectedly")
			}
			return WifiCredentials{}, false, fmt.Errorf("provisioning server: %w", err)
		}
	}
}

// shutdown lets the response to the submitting client flush before the
// listener goes away.
func (p *ProvisioningServer) shutdown(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("provisioning shutdown: %v", err)
		srv.Close()
	}
}

func writeForm(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(provisionForm))
}

func describeWindow(w ProvisioningWindow) string {
	if w.Indefinite() {
		return "indefinite"
	}
	return w.Deadline.String()
}

// parseSubmission extracts ssid and pwd from a raw query string.  ok is
// false unless a non-empty ssid was sent.
func parseSubmission(rawQuery string) (WifiCredentials, bool) {
	var creds WifiCredentials
	for _, pair := range strings.Split(rawQuery, "&") {
		key, value, _ := strings.Cut(pair, "=")
		switch percentDecode(key) {
		case "ssid":
			creds.SSID = percentDecode(value)
		case "pwd":
			creds.Password = percentDecode(value)
		}
	}
	return creds, creds.SSID != ""
}

// percentDecode maps %XX to the byte it encodes and '+' to a space.  A '%'
// not followed by two hex digits is kept as is, so text without escapes
// decodes to itself.
func percentDecode(s string) string {
	if !strings.ContainsAny(s, "%+") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '+':
			b.WriteByte(' ')
		case c == '%' && i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2]):
			b.WriteByte(unhex(s[i+1])<<4 | unhex(s[i+2]))
			i += 2
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func isHex(c byte) bool {
	return '0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F'
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}
