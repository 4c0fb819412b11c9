//go:build netlib

package main

import (
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/netlib/blas/netlib"
)

// Routes gonum's BLAS calls to the system CBLAS when built with `-tags netlib`.
// Link flags come from CGO_LDFLAGS, e.g. CGO_LDFLAGS="-lopenblas".
func init() {
	blas64.Use(netlib.Implementation{})
}
