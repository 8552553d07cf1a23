package transport

import (
	"crypto/tls"
	"fmt"
)

// ServerTLS loads the certificate/key pair the transmitter presents.
func ServerTLS(certPath, keyPath string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load key pair %s/%s: %w", certPath, keyPath, err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// ClientTLS returns the receiver side configuration. insecure disables
// certificate and hostname verification, which is only meant for trusted
// networks with self-signed transmitters.
func ClientTLS(insecure bool, serverName string) *tls.Config {
	return &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: insecure,
		MinVersion:         tls.VersionTLS12,
	}
}
