package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cuongbtq/taskq/internal/admin"
	"github.com/cuongbtq/taskq/internal/bootstrap"
)

// app is the state shared by every command
type app struct {
	configPath string
	outputJSON bool

	svc *admin.Service
	res *bootstrap.Resources
	out io.Writer
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) table() *tabwriter.Writer {
	return tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
}

func formatTime(t time.Time) string {
	if t.IsZero() || t.Year() <= 1970 {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func joinOrDash(s []string) string {
	if len(s) == 0 {
		return "-"
	}
	return strings.Join(s, ",")
}

func parseJSONArg(name, raw string, v any) error {
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("invalid %s JSON: %w", name, err)
	}
	return nil
}
