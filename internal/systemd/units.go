package systemd

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/brizzbuzz/opnix/internal/config"
	"github.com/brizzbuzz/opnix/internal/errors"
	"github.com/brizzbuzz/opnix/internal/supervisor"
)

const (
	TargetName   = "opnix-secrets.target"
	VolatileName = "opnix-volatile.service"
)

// UnitName returns the service unit that provisions one secret.
func UnitName(id string) string {
	return "opnix-secret-" + id + ".service"
}

// Unit is a rendered unit file.
type Unit struct {
	Name    string
	Content string
}

// Renderer turns a configuration into systemd units. Binary and ConfigPath
// end up in ExecStart lines.
type Renderer struct {
	Binary     string
	ConfigPath string
}

var funcs = template.FuncMap{
	"timespan": timespan,
	"join": strings.Join,
}

// timespan formats d as a systemd time span: plain seconds when whole,
// milliseconds otherwise.
func timespan(d config.Duration) string {
	std := time.Duration(d)
	if std%time.Second == 0 {
		return fmt.Sprintf("%d", int64(std/time.Second))
	}
	return fmt.Sprintf("%dms", std.Milliseconds())
}

var volatileTemplate = template.Must(template.New("volatile").Funcs(funcs).Parse(`[Unit]
Description=OpNix volatile secret directory
DefaultDependencies=no
After=local-fs.target
Before={{.Target}}

[Service]
Type=oneshot
RemainAfterExit=yes
ExecStart={{.Binary}} prepare --config {{.ConfigPath}}

[Install]
WantedBy={{.Target}}
`))

var secretTemplate = template.Must(template.New("secret").Funcs(funcs).Parse(`[Unit]
Description=OpNix secret {{.ID}}
ConditionPathExists={{.TokenPath}}
Wants=network-online.target
After=network-online.target{{if .Volatile}} {{.VolatileUnit}}{{end}}
{{- if .Volatile}}
Requires={{.VolatileUnit}}
{{- end}}
PartOf={{.Target}}
Before={{.Target}}

[Service]
{{- if .Refresh}}
Type=notify
{{- else}}
Type=oneshot
RemainAfterExit=yes
{{- end}}
ExecStart={{.Binary}} task --config {{.ConfigPath}} --name {{.ID}}
Restart={{.Policy}}
RestartSec={{timespan .Backoff}}
TimeoutStartSec={{timespan .StartTimeout}}

[Install]
RequiredBy={{.Target}}
`))

var targetTemplate = template.Must(template.New("target").Funcs(funcs).Parse(`[Unit]
Description=OpNix secrets provisioned
{{- if .Units}}
Wants={{join .Units " "}}
Requires={{join .Units " "}}
After={{join .Units " "}}
{{- end}}

[Install]
WantedBy=multi-user.target
`))

// Render returns the volatile unit (when enabled), one unit per secret and
// the barrier target, sorted by name.
func (r Renderer) Render(cfg *config.Config) ([]Unit, error) {
	var units []Unit
	var secretUnits []string

	if cfg.UseVolatileDir {
		content, err := execute(volatileTemplate, map[string]any{
			"Binary":     r.Binary,
			"ConfigPath": r.ConfigPath,
			"Target":     TargetName,
		})
		if err != nil {
			return nil, err
		}
		units = append(units, Unit{Name: VolatileName, Content: content})
	}

	for _, s := range cfg.Secrets {
		id := s.ID()
		refresh := cfg.RefreshFor(s) != ""
		content, err := execute(secretTemplate, map[string]any{
			"ID":           id,
			"Binary":       r.Binary,
			"ConfigPath":   r.ConfigPath,
			"TokenPath":    cfg.TokenPath,
			"Volatile":     cfg.UseVolatileDir,
			"VolatileUnit": VolatileName,
			"Target":       TargetName,
			"Refresh":      refresh,
			"Policy":       supervisor.PolicyFor(refresh).String(),
			"Backoff":      cfg.Restart.Backoff,
			"StartTimeout": cfg.Restart.StartTimeout,
		})
		if err != nil {
			return nil, err
		}
		name := UnitName(id)
		secretUnits = append(secretUnits, name)
		units = append(units, Unit{Name: name, Content: content})
	}

	sort.Strings(secretUnits)
	content, err := execute(targetTemplate, map[string]any{"Units": secretUnits})
	if err != nil {
		return nil, err
	}
	units = append(units, Unit{Name: TargetName, Content: content})

	sort.Slice(units, func(i, j int) bool { return units[i].Name < units[j].Name })
	return units, nil
}

func execute(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", errors.ConfigError(
			"Rendering systemd unit",
			fmt.Sprintf("Template %s failed", t.Name()),
			err,
		)
	}
	return buf.String(), nil
}

// WriteUnits writes units into dir, replacing existing files.
func WriteUnits(dir string, units []Unit) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.FileOperationError(
			"Creating unit directory",
			dir,
			"Failed to create directory for systemd units",
			err,
		)
	}

	for _, u := range units {
		path := filepath.Join(dir, u.Name)
		if err := os.WriteFile(path, []byte(u.Content), 0644); err != nil {
			return errors.FileOperationError(
				"Writing systemd unit",
				path,
				"Failed to write unit file",
				err,
			)
		}
	}
	return nil
}
