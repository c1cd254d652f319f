// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package transport

import (
	"crypto/x509"
	"fmt"
	"os"
)

func loadCAFile(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("transport: read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("transport: no certificates found in %s", path)
	}
	return pool, nil
}
