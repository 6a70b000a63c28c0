// Command gdrive-auth runs the OAuth consent flow once and prints the refresh
// token the gdrive blob backend needs as GDRIVE_REFRESH_TOKEN.
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	drive "google.golang.org/api/drive/v3"

	"subburn/internal/pkg/errors"
	"subburn/internal/pkg/logger"
)

func main() {
	envFile := flag.String("env", ".env", "optional env file")
	wait := flag.Duration("wait", 3*time.Minute, "how long to wait for the browser callback")
	flag.Parse()

	log := logger.New(logger.Config{Level: "info", Format: "text", ServiceName: "gdrive-auth"})

	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		log.LogFatal("failed to read env file", err)
	}

	token, err := run(context.Background(), *wait)
	if err != nil {
		log.LogFatal("authorization failed", err)
	}
	if token == "" {
		fmt.Println("\nNo refresh token was returned.")
		fmt.Println("Revoke the app's previous access at https://myaccount.google.com/permissions and run this again.")
		os.Exit(1)
	}

	fmt.Println("\nGDRIVE_REFRESH_TOKEN=" + token)
}

func run(ctx context.Context, wait time.Duration) (string, error) {
	clientID, err := requireEnv("GDRIVE_CLIENT_ID")
	if err != nil {
		return "", err
	}
	clientSecret, err := requireEnv("GDRIVE_CLIENT_SECRET")
	if err != nil {
		return "", err
	}

	// Local callback on a free port.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", errors.Wrap(err, "gdrive-auth.listen", "open callback listener")
	}
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port
	redirectURL := fmt.Sprintf("http://127.0.0.1:%d/callback", port)

	conf := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{drive.DriveFileScope},
		RedirectURL:  redirectURL,
	}

	state := randomState()
	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", callbackHandler(state, codeCh, errCh))

	srv := &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		_ = srv.Serve(ln)
	}()
	defer srv.Close()

	// Offline access is what yields a refresh token.
	authURL := conf.AuthCodeURL(
		state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	)

	fmt.Println("\nOpen this URL in your browser:")
	fmt.Println(authURL)
	fmt.Println("\nWaiting for authorization on", redirectURL)

	var code string
	select {
	case code = <-codeCh:
	case err := <-errCh:
		return "", err
	case <-time.After(wait):
		return "", errors.New(errors.CodeTimeout, "timed out waiting for authorization")
	}

	tok, err := conf.Exchange(ctx, code)
	if err != nil {
		return "", errors.Wrap(err, "gdrive-auth.exchange", "exchange authorization code")
	}
	return strings.TrimSpace(tok.RefreshToken), nil
}

func callbackHandler(state string, codeCh chan<- string, errCh chan<- error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("state") != state {
			http.Error(w, "invalid state", http.StatusBadRequest)
			report(errCh, errors.Validation("invalid oauth state"))
			return
		}
		if e := q.Get("error"); e != "" {
			http.Error(w, "auth error: "+e, http.StatusBadRequest)
			report(errCh, errors.Newf(errors.CodeValidation, "auth error: %s", e))
			return
		}
		code := q.Get("code")
		if code == "" {
			http.Error(w, "missing code", http.StatusBadRequest)
			report(errCh, errors.Validation("missing authorization code"))
			return
		}

		fmt.Fprintln(w, "OK. You can close this window and return to the terminal.")
		select {
		case codeCh <- code:
		default:
		}
	}
}

func report(errCh chan<- error, err error) {
	select {
	case errCh <- err:
	default:
	}
}

func requireEnv(k string) (string, error) {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return "", errors.ValidationField(k, "missing env: "+k)
	}
	return v, nil
}

func randomState() string {
	b := make([]byte, 18)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
