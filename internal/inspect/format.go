// Package inspect reports what kind of binary a build produced: its format
// from magic bytes, a human-readable classification from the host's file
// classifier and a dynamic linkage annotation.
package inspect

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"runtime"
)

// Format is a coarse executable format
type Format string

const (
	FormatUnknown Format = "unknown"
	FormatELF     Format = "elf"
	FormatPE      Format = "pe"
	FormatMachO   Format = "macho"
	FormatScript  Format = "script"
)

var (
	magicELF = []byte{0x7f, 'E', 'L', 'F'}
	magicPE  = []byte{'M', 'Z'}
	magicSh  = []byte{'#', '!'}
	// Both byte orders, 32 and 64 bit, plus universal binaries
	magicMachO = [][]byte{
		{0xfe, 0xed, 0xfa, 0xce},
		{0xfe, 0xed, 0xfa, 0xcf},
		{0xce, 0xfa, 0xed, 0xfe},
		{0xcf, 0xfa, 0xed, 0xfe},
		{0xca, 0xfe, 0xba, 0xbe},
	}
)

// DetectFormat reads the leading bytes of path
func DetectFormat(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return FormatUnknown, err
	}
	defer f.Close()

	head := make([]byte, 4)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return FormatUnknown, fmt.Errorf("reading %s: %w", path, err)
	}
	return formatOf(head[:n]), nil
}

func formatOf(head []byte) Format {
	switch {
	case bytes.HasPrefix(head, magicELF):
		return FormatELF
	case bytes.HasPrefix(head, magicPE):
		return FormatPE
	case bytes.HasPrefix(head, magicSh):
		return FormatScript
	}
	for _, m := range magicMachO {
		if bytes.HasPrefix(head, m) {
			return FormatMachO
		}
	}
	return FormatUnknown
}

// HostCompatible reports whether a binary of format f can run natively on
// goos. Unknown formats are given the benefit of the doubt.
func HostCompatible(f Format, goos string) bool {
	switch f {
	case FormatPE:
		return goos == "windows"
	case FormatELF:
		return goos != "windows" && goos != "darwin"
	case FormatMachO:
		return goos == "darwin"
	default:
		return true
	}
}

// CompatibleWithHost is HostCompatible for the running OS
func CompatibleWithHost(f Format) bool {
	return HostCompatible(f, runtime.GOOS)
}

// describe is the fallback classification when no classifier command is available
func (f Format) describe() string {
	switch f {
	case FormatELF:
		return "ELF executable"
	case FormatPE:
		return "PE32 executable (MS Windows)"
	case FormatMachO:
		return "Mach-O executable"
	case FormatScript:
		return "script text executable"
	default:
		return "data"
	}
}
