package trigger

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ed25519"
	"golang.org/x/crypto/ssh"
	"sevTrack/hostsim"
)

func TestNewTriggerFromURI(t *testing.T) {
	tests := []struct {
		uri     string
		want    interface{}
		wantErr bool
	}{
		{uri: "http://localhost:8080", want: &HTTPTrigger{}},
		{uri: "https://localhost:8443/sign", want: &HTTPTrigger{}},
		{uri: "ssh://root@localhost:22", want: &SSHTrigger{}},
		{uri: "ssh:///nohost", wantErr: true},
		{uri: "ftp://localhost", wantErr: true},
		{uri: "::", wantErr: true},
	}
	r := NewRegistry()
	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			got, err := r.NewTriggerFromURI(tt.uri)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewTriggerFromURI() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if fmt.Sprintf("%T", got) != fmt.Sprintf("%T", tt.want) {
				t.Errorf("got %T, want %T", got, tt.want)
			}
		})
	}
}

func TestHTTPTrigger(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fail" {
			http.Error(w, "nope", http.StatusInternalServerError)
			return
		}
		io.WriteString(w, "signature")
	}))
	defer srv.Close()

	got, err := NewHTTPTrigger(srv.URL + "/sign").Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute failed : %v", err)
	}
	if string(got) != "signature" {
		t.Errorf("got body %q, want \"signature\"", got)
	}
	if _, err := NewHTTPTrigger(srv.URL + "/fail").Execute(context.Background()); err == nil {
		t.Errorf("Execute did not report server error")
	}
}

//serveSSH accepts a single connection and rejects every password
func serveSSH(t *testing.T, l net.Listener, signer ssh.Signer) <-chan error {
	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			return nil, errors.New("access denied")
		},
	}
	config.AddHostKey(signer)
	done := make(chan error, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			done <- err
			return
		}
		defer conn.Close()
		//the handshake fails once the client gives up on authentication
		_, _, _, err = ssh.NewServerConn(conn, config)
		if err == nil {
			err = errors.New("client authenticated")
			done <- err
			return
		}
		done <- nil
	}()
	return done
}

func TestSSHTrigger(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey failed : %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("NewSignerFromKey failed : %v", err)
	}
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed : %v", err)
	}
	defer l.Close()
	done := serveSSH(t, l, signer)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	tr, err := NewRegistry().NewTriggerFromURI("ssh://victim@" + l.Addr().String())
	if err != nil {
		t.Fatalf("NewTriggerFromURI failed : %v", err)
	}
	got, err := tr.Execute(ctx)
	if err != nil {
		t.Fatalf("Execute failed : %v", err)
	}
	if !bytes.Equal(got, pub) {
		t.Errorf("got host key %x, want %x", got, []byte(pub))
	}
	if err := <-done; err != nil {
		t.Errorf("server failed : %v", err)
	}
}

func TestSSHTriggerNoServer(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed : %v", err)
	}
	addr := l.Addr().String()
	l.Close()
	if _, err := NewSSHTrigger("victim", addr).Execute(context.Background()); err == nil {
		t.Errorf("Execute succeeded without server")
	}
}

func TestSimTrigger(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	m, err := hostsim.New(hostsim.WithLogger(logger))
	if err != nil {
		t.Fatalf("hostsim.New failed : %v", err)
	}
	var ran []string
	workloads := map[string]hostsim.Workload{
		"noop": func(ctx context.Context, m *hostsim.Machine) error {
			ran = append(ran, "noop")
			return nil
		},
		"broken": func(ctx context.Context, m *hostsim.Machine) error {
			return errors.New("guest crashed")
		},
	}
	r := NewRegistry()
	r.Register("sim", SimFactory(m, workloads))

	tr, err := r.NewTriggerFromURI("sim://noop")
	if err != nil {
		t.Fatalf("NewTriggerFromURI failed : %v", err)
	}
	if _, err := tr.Execute(context.Background()); err != nil {
		t.Errorf("Execute failed : %v", err)
	}
	if len(ran) != 1 {
		t.Errorf("workload ran %v times, want 1", len(ran))
	}

	tr, err = r.NewTriggerFromURI("sim://broken")
	if err != nil {
		t.Fatalf("NewTriggerFromURI failed : %v", err)
	}
	if _, err := tr.Execute(context.Background()); err == nil {
		t.Errorf("Execute did not report workload error")
	}
	if _, err := r.NewTriggerFromURI("sim://unknown"); err == nil {
		t.Errorf("unknown workload accepted")
	}
}

func TestSimTriggerBuiltinWorkloads(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	m, err := hostsim.New(hostsim.WithLogger(logger))
	if err != nil {
		t.Fatalf("hostsim.New failed : %v", err)
	}
	bits, err := hostsim.ParseBits("1011")
	if err != nil {
		t.Fatalf("ParseBits failed : %v", err)
	}
	f := SimFactory(m, hostsim.Workloads(bits))
	for _, name := range []string{"sqm", "secret"} {
		t.Run(name, func(t *testing.T) {
			tr, err := f(&url.URL{Scheme: "sim", Host: name})
			if err != nil {
				t.Fatalf("factory failed : %v", err)
			}
			if _, err := tr.Execute(context.Background()); err != nil {
				t.Errorf("Execute failed : %v", err)
			}
		})
	}
}
