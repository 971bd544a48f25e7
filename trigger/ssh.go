package trigger

//Construct Triggerer for ssh URIs

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"filippo.io/edwards25519"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ed25519"
	"golang.org/x/crypto/ssh"
)

//SSHTrigger makes the ssh server sign the key exchange with its ed25519 host key. Authentication is expected
//to fail, the signature is created before that
type SSHTrigger struct {
	config *ssh.ClientConfig
	addr   string

	mu      sync.Mutex
	hostKey ed25519.PublicKey
}

//Execute returns the raw ed25519 public host key of the server
func (s *SSHTrigger) Execute(ctx context.Context) ([]byte, error) {
	d := net.Dialer{Timeout: s.config.Timeout}
	conn, err := d.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial : %v", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, fmt.Errorf("failed to set deadline : %v", err)
		}
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, s.addr, s.config)
	if err != nil {
		if strings.Contains(err.Error(), "unable to authenticate") {
			return s.lastHostKey()
		}
		return nil, fmt.Errorf("ssh handshake failed : %v", err)
	}
	client := ssh.NewClient(c, chans, reqs)
	defer func() {
		if err := client.Close(); err != nil {
			logrus.Debugf("SSHTrigger failed to close client : %v", err)
		}
	}()

	return s.lastHostKey()
}

func (s *SSHTrigger) lastHostKey() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hostKey == nil {
		return nil, fmt.Errorf("server did not present a host key")
	}
	return append([]byte(nil), s.hostKey...), nil
}

func (s *SSHTrigger) checkHostKey(hostname string, remote net.Addr, key ssh.PublicKey) error {
	if key.Type() != ssh.KeyAlgoED25519 {
		return fmt.Errorf("SSH server did not send ed25519 signature")
	}
	cryptPubKey, ok := key.(ssh.CryptoPublicKey)
	if !ok {
		return fmt.Errorf("key did not implement ssh.CryptoPublicKey, cannot get raw key")
	}
	edPubKey, ok := cryptPubKey.CryptoPublicKey().(ed25519.PublicKey)
	if !ok {
		return fmt.Errorf("failed to cast to ed25519.PublicKey")
	}
	if _, err := new(edwards25519.Point).SetBytes(edPubKey); err != nil {
		return fmt.Errorf("host key is not a point on the curve : %v", err)
	}
	s.mu.Lock()
	s.hostKey = edPubKey
	s.mu.Unlock()
	return nil
}

func NewSSHTrigger(user, addr string) Triggerer {
	sshTrigger := &SSHTrigger{
		addr: addr,
	}
	sshTrigger.config = &ssh.ClientConfig{
		User: user,
		//we do not need valid credentials, the host key signature happens during the handshake
		Auth: []ssh.AuthMethod{
			ssh.Password("i will not pass"),
		},
		HostKeyCallback:   sshTrigger.checkHostKey,
		HostKeyAlgorithms: []string{ssh.KeyAlgoED25519},
	}
	return sshTrigger
}
