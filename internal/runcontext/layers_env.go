package runcontext

import "os"

// minimalEnvAllowlist is spec §4.3's add_minimal_environment allowlist:
// display, session, locale, XDG_*, SHELL, USER, HOME, SSH_AUTH_SOCK,
// WAYLAND_DISPLAY, VTE_VERSION, AT_SPI_BUS_ADDRESS, LINES, COLUMNS,
// DESKTOP_SESSION, XAUTHORITY, DBUS_*. HOME rides along here too — the
// container path strips it back out afterward with ApplyHomeNull so the
// container's own image default prevails; the session path keeps it.
var minimalEnvAllowlist = []string{
	"DISPLAY",
	"WAYLAND_DISPLAY",
	"XDG_SESSION_TYPE",
	"XDG_RUNTIME_DIR",
	"XDG_DATA_HOME",
	"XDG_CONFIG_HOME",
	"XDG_CURRENT_DESKTOP",
	"LANG",
	"LC_ALL",
	"LC_MESSAGES",
	"SHELL",
	"USER",
	"HOME",
	"SSH_AUTH_SOCK",
	"VTE_VERSION",
	"AT_SPI_BUS_ADDRESS",
	"LINES",
	"COLUMNS",
	"DESKTOP_SESSION",
	"XAUTHORITY",
	"DBUS_SESSION_BUS_ADDRESS",
	"DBUS_SYSTEM_BUS_ADDRESS",
}

// NewMinimalEnvironmentLayer returns a plain (default-fold) layer carrying
// a curated subset of the agent's own environment, so a freshly spawned
// shell gets a sane locale and terminal identity without inheriting the
// agent's entire environment verbatim. TERM/COLORTERM default to
// xterm-256color/truecolor when the agent's own environment doesn't
// define them, and PATH gets a floor value under the same condition, per
// spec §4.3.
func NewMinimalEnvironmentLayer() *Layer {
	l := NewLayer("minimal-environment")
	ApplyMinimalEnvironment(l)
	return l
}

// NewHomeNullLayer returns a layer that folds like a plain layer and then
// removes HOME from the env of the layer it folds into, used when
// entering a container whose image defines its own HOME and the agent's
// host HOME would otherwise leak through a minimal-environment merge.
// Pushed directly above another layer, it strips HOME from that layer's
// env before that layer folds in turn.
func NewHomeNullLayer() *Layer {
	l := NewLayer("home-null")
	l.Handler = func(self, target *Layer, ctx *Context) error {
		if err := defaultFold(self, target); err != nil {
			return err
		}
		target.Env = Setenv(target.Env, "HOME", nil)
		return nil
	}
	return l
}

// ApplyHomeNull removes HOME from l's own env in place, for callers
// composing a container-specific content layer directly (NewHomeNullLayer
// does the same to the layer it folds into).
func ApplyHomeNull(l *Layer) {
	l.Setenv("HOME", nil)
}

// ApplyMinimalEnvironment merges the curated env allowlist (see
// minimalEnvAllowlist) directly onto l's own env in place, for callers
// composing a container-specific content layer directly.
func ApplyMinimalEnvironment(l *Layer) {
	for _, key := range minimalEnvAllowlist {
		if v, ok := os.LookupEnv(key); ok {
			value := v
			l.Setenv(key, &value)
		}
	}
	term := "xterm-256color"
	if v, ok := os.LookupEnv("TERM"); ok {
		term = v
	}
	l.Setenv("TERM", &term)
	colorterm := "truecolor"
	if v, ok := os.LookupEnv("COLORTERM"); ok {
		colorterm = v
	}
	l.Setenv("COLORTERM", &colorterm)
	if _, ok := os.LookupEnv("PATH"); !ok {
		floor := "/usr/local/bin:/usr/bin:/bin"
		l.Setenv("PATH", &floor)
	}
}
