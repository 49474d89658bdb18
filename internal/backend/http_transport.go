package backend

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/peterbourgon/unixtransport"
	"golang.org/x/net/http2"

	"github.com/strata-backup/strata/internal/debug"
	"github.com/strata-backup/strata/internal/errors"
)

func readAllTLSCertsAndKey(filename string) (certs [][]byte, key crypto.PrivateKey, err error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, nil, errors.Errorf("unable to read TLS client certificate: %v", err)
	}

	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}

		switch block.Type {
		case "CERTIFICATE":
			certs = append(certs, block.Bytes)
		case "PRIVATE KEY", "RSA PRIVATE KEY", "EC PRIVATE KEY":
			if key != nil {
				return nil, nil, errors.Errorf("multiple private keys found in %q", filename)
			}
			key, err = parsePrivateKey(block.Bytes)
			if err != nil {
				return nil, nil, errors.Errorf("unable to parse private key from %q: %v", filename, err)
			}
		}
	}

	if len(certs) == 0 {
		return nil, nil, errors.Errorf("no certificates found in %q", filename)
	}
	if key == nil {
		return nil, nil, errors.Errorf("no private key found in %q", filename)
	}

	return certs, key, nil
}

func parsePrivateKey(der []byte) (crypto.PrivateKey, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	return nil, errors.New("unknown private key format")
}

func configureHTTP2Transport(tr *http.Transport) error {
	t2, err := http2.ConfigureTransports(tr)
	if err != nil {
		return err
	}
	// send pings while the connection is idle to detect broken connections
	t2.ReadIdleTimeout = 15 * time.Second
	return nil
}

// TransportOptions collects various options which can be set for an HTTP based
// transport.
type TransportOptions struct {
	// contains filenames of PEM encoded root certificates to trust
	RootCertFilenames []string

	// contains the name of a file containing the TLS client certificate and
	// private key in PEM format
	TLSClientCertKeyFilename string

	// Skip TLS certificate verification
	InsecureTLS bool
}

// Transport returns a new http.RoundTripper with default settings applied.
func Transport(opts TransportOptions) (http.RoundTripper, error) {
	// copied from net/http
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
			DualStack: true,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig:       &tls.Config{},
	}

	// ensure that http2 connections are closed if they are broken
	err := configureHTTP2Transport(tr)
	if err != nil {
		return nil, err
	}

	unixtransport.Register(tr)

	if opts.InsecureTLS {
		tr.TLSClientConfig.InsecureSkipVerify = true
	}

	if opts.TLSClientCertKeyFilename != "" {
		certs, key, err := readAllTLSCertsAndKey(opts.TLSClientCertKeyFilename)
		if err != nil {
			return nil, err
		}
		tr.TLSClientConfig.Certificates = []tls.Certificate{
			{
				Certificate: certs,
				PrivateKey:  key,
			},
		}
	}

	if opts.RootCertFilenames != nil {
		pool := x509.NewCertPool()
		for _, filename := range opts.RootCertFilenames {
			if filename == "" {
				return nil, errors.Errorf("empty filename for root certificate supplied")
			}
			b, err := os.ReadFile(filename)
			if err != nil {
				return nil, errors.Errorf("unable to read root certificate: %v", err)
			}
			if ok := pool.AppendCertsFromPEM(b); !ok {
				return nil, errors.Errorf("cannot parse root certificate from %q", filename)
			}
		}
		tr.TLSClientConfig.RootCAs = pool
	}

	debug.Log("using transport %#v", tr)

	// wrap in the debug round tripper (if active)
	return tr, nil
}
