// Package monitor renders a kernel's memory state for people: a table of
// page mappings and hex dumps of single pages, optionally coloured for a
// terminal.
package monitor

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"golang.org/x/crypto/blake2b"

	"github.com/kahiteam/cowfork/internal/abi"
	"github.com/kahiteam/cowfork/internal/kernel"
)

// Inspector is the part of the kernel the monitor reads.
type Inspector interface {
	Mappings(env abi.EnvID, start, end uintptr) ([]kernel.Mapping, error)
	ReadPage(env abi.EnvID, va uintptr) ([]byte, error)
}

const (
	colorReset  = "\033[0m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
)

// Digest returns a short blake2b-256 digest of a page, enough to tell
// pages apart in a listing.
func Digest(page []byte) string {
	sum := blake2b.Sum256(page)
	return hex.EncodeToString(sum[:8])
}

// ShowMappings writes one row per present page of env in [start, end).
func ShowMappings(w io.Writer, in Inspector, env abi.EnvID, start, end uintptr, color bool) error {
	maps, err := in.Mappings(env, start, end)
	if err != nil {
		return fmt.Errorf("showmappings %s: %w", env, err)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "VA\tPDE\tPTE\tFRAME\tPERM\tREFS\tDIGEST\n")
	for _, m := range maps {
		page, err := in.ReadPage(env, m.VA)
		if err != nil {
			return fmt.Errorf("showmappings %s: read %08x: %w", env, m.VA, err)
		}
		perm := m.PTE.Perm().String()
		digest := Digest(page)
		if color {
			perm = colorPerm(m.PTE.Perm(), perm)
			digest = colorGray + digest + colorReset
		}
		fmt.Fprintf(tw, "0x%08x\t%03x\t%03x\t%x\t%s\t%d\t%s\n",
			m.VA, abi.PDX(m.VA), abi.PTX(m.VA), m.PTE.Frame(), perm, m.Refs, digest)
	}
	return tw.Flush()
}

// colorPerm highlights copy-on-write mappings in yellow and privately
// writable ones in green.
func colorPerm(p abi.Perm, s string) string {
	switch {
	case p.Has(abi.PermCOW):
		return colorYellow + s + colorReset
	case p.Has(abi.PermWrite):
		return colorGreen + s + colorReset
	default:
		return s
	}
}

// DumpPage writes n bytes of env's memory starting at va as hex and ASCII,
// 16 bytes per row, followed by the digest of the whole page. The dump
// stops at the end of the page holding va.
func DumpPage(w io.Writer, in Inspector, env abi.EnvID, va uintptr, n int, color bool) error {
	page, err := in.ReadPage(env, va)
	if err != nil {
		return fmt.Errorf("memory %s %08x: %w", env, va, err)
	}
	off := int(va - abi.RoundDown(va))
	n = max(0, min(n, abi.PageSize-off))

	var b strings.Builder
	for row := 0; row < n; row += 16 {
		chunk := page[off+row : off+min(row+16, n)]
		addr := fmt.Sprintf("0x%08x", va+uintptr(row))
		if color {
			addr = colorCyan + addr + colorReset
		}
		b.WriteString(addr)
		b.WriteString(": ")
		for i := range 16 {
			if i == 8 {
				b.WriteByte(' ')
			}
			if i < len(chunk) {
				fmt.Fprintf(&b, "%02x ", chunk[i])
			} else {
				b.WriteString("   ")
			}
		}
		b.WriteString(" |")
		for _, c := range chunk {
			if c >= 0x20 && c < 0x7f {
				b.WriteByte(c)
			} else {
				b.WriteByte('.')
			}
		}
		b.WriteString("|\n")
	}
	fmt.Fprintf(&b, "digest %s\n", Digest(page))
	_, err = io.WriteString(w, b.String())
	return err
}
