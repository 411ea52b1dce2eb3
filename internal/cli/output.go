// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-hsm.
//
// go-hsm is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/jeremyhahn/go-hsm/pkg/client"
)

// OutputFormat defines the output format type
type OutputFormat string

const (
	OutputFormatText OutputFormat = "text"
	OutputFormatJSON OutputFormat = "json"
)

// Printer handles formatted output
type Printer struct {
	format OutputFormat
	writer io.Writer
}

// NewPrinter creates a new Printer
func NewPrinter(format string, writer io.Writer) *Printer {
	return &Printer{
		format: OutputFormat(format),
		writer: writer,
	}
}

// PrintDigest prints a digest or MAC
func (p *Printer) PrintDigest(d *client.DigestResponse) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(d)
	case OutputFormatText:
		fmt.Fprintf(p.writer, "%s  %s\n", d.Digest, d.Hash)
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintAsset prints asset information
func (p *Printer) PrintAsset(a *client.AssetInfo) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(a)
	case OutputFormatText:
		fmt.Fprintf(p.writer, "Asset:    %s\n", a.ID)
		if a.Policy != "" {
			fmt.Fprintf(p.writer, "Policy:   %s\n", a.Policy)
		}
		if a.Flags != "" {
			fmt.Fprintf(p.writer, "Flags:    %s\n", a.Flags)
		}
		fmt.Fprintf(p.writer, "Size:     %d\n", a.Size)
		fmt.Fprintf(p.writer, "Loaded:   %t\n", a.Loaded)
		if a.Lifetime != "" {
			fmt.Fprintf(p.writer, "Lifetime: %s\n", a.Lifetime)
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintPolicy prints an encoded policy
func (p *Printer) PrintPolicy(r *client.PolicyResponse) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(r)
	case OutputFormatText:
		fmt.Fprintf(p.writer, "%s %s\n", r.Hex, r.Flags)
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintCounter prints a counter value
func (p *Printer) PrintCounter(number int, value uint64) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]any{
			"number": number,
			"value":  value,
		})
	case OutputFormatText:
		fmt.Fprintf(p.writer, "%d\n", value)
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintData prints raw asset contents as hex
func (p *Printer) PrintData(data []byte) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]any{"data": data})
	case OutputFormatText:
		fmt.Fprintf(p.writer, "%x\n", data)
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintHealth prints the readiness result
func (p *Printer) PrintHealth(h *client.HealthResponse) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(h)
	case OutputFormatText:
		fmt.Fprintf(p.writer, "Status: %s\n", h.Status)
		if h.Message != "" {
			fmt.Fprintf(p.writer, "  %s\n", h.Message)
		}
		for _, c := range h.Checks {
			fmt.Fprintf(p.writer, "  - %s: %s %s\n", c.Name, c.Status, c.Message)
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintSuccess prints a success message
func (p *Printer) PrintSuccess(message string) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]any{
			"status":  "success",
			"message": message,
		})
	case OutputFormatText:
		fmt.Fprintln(p.writer, message)
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintError prints an error message
func (p *Printer) PrintError(err error) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]any{
			"status": "error",
			"error":  err.Error(),
		})
	default:
		fmt.Fprintf(p.writer, "Error: %v\n", err)
		return nil
	}
}

func (p *Printer) printJSON(v any) error {
	enc := json.NewEncoder(p.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
