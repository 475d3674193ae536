// Package modules is the registration point collecting every reference
// ScanModule under pkg/modules/* into one scanmodule.Registry, the single
// place cmd/xscan (or a test) asks for "the built-in modules" instead of
// importing each module package by hand.
package modules

import (
	"github.com/jihwankim/xscan/pkg/modules/arpscan"
	"github.com/jihwankim/xscan/pkg/modules/icmpecho"
	"github.com/jihwankim/xscan/pkg/modules/tcpsyn"
	"github.com/jihwankim/xscan/pkg/modules/tlsbanner"
	"github.com/jihwankim/xscan/pkg/modules/udpscan"
	"github.com/jihwankim/xscan/pkg/modules/zbanner"
	"github.com/jihwankim/xscan/pkg/scanmodule"
)

// NewRegistry builds a Registry with every reference module this repo
// ships registered under its Attributes().Name. udpscan, zbanner, and
// tlsbanner use their default probe (EmptyProbe / HTTPProbe /
// NewHTTPSProbe); a caller wanting a custom Probe constructs that module
// directly instead of going through this registry.
func NewRegistry() *scanmodule.Registry {
	r := scanmodule.NewRegistry()
	r.Register(tcpsyn.Name, func() scanmodule.Module { return tcpsyn.New() })
	r.Register(udpscan.Name, func() scanmodule.Module { return udpscan.New(nil) })
	r.Register(icmpecho.Name, func() scanmodule.Module { return icmpecho.New() })
	r.Register(arpscan.Name, func() scanmodule.Module { return arpscan.New() })
	r.Register(zbanner.Name, func() scanmodule.Module { return zbanner.New(nil) })
	r.Register(tlsbanner.Name, func() scanmodule.Module { return tlsbanner.New(nil, nil) })
	return r
}
