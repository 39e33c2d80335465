// internal/app/prompt.go
package app

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/petervdpas/tutorcall/internal/config"
)

// PromptInteractive walks through the settings a new peer usually changes.
// An empty answer keeps the current value.
func PromptInteractive(r io.Reader, w io.Writer, peerDir, cfgPath string, cfg config.Config) (config.Config, error) {
	in := bufio.NewReader(r)

	fmt.Fprintln(w, "────────────────────────────────────────")
	fmt.Fprintln(w, "tutorcall interactive setup")
	fmt.Fprintf(w, " Peer folder : %s\n", peerDir)
	fmt.Fprintf(w, " Config file : %s\n", cfgPath)
	fmt.Fprintln(w, "────────────────────────────────────────")
	fmt.Fprintln(w)

	cfg.Identity.ID = askString(in, w, "Identity id", cfg.Identity.ID)
	cfg.Identity.Role = askString(in, w, "Role", cfg.Identity.Role)

	cfg.Store.Driver = askString(in, w, "Store driver (memory/sqlite/mongo/redis)", cfg.Store.Driver)
	switch cfg.Store.Driver {
	case "sqlite":
		cfg.Store.SQLitePath = askString(in, w, "SQLite file (shared by all peers)", cfg.Store.SQLitePath)
	case "mongo":
		cfg.Store.MongoURI = askString(in, w, "MongoDB URI", cfg.Store.MongoURI)
		cfg.Store.MongoDatabase = askString(in, w, "MongoDB database", cfg.Store.MongoDatabase)
	case "redis":
		cfg.Store.RedisAddr = askString(in, w, "Redis addr", cfg.Store.RedisAddr)
		cfg.Store.RedisDB = askInt(in, w, "Redis db", cfg.Store.RedisDB)
	}

	cfg.Call.ValiditySec = askInt(in, w, "Ring validity seconds", cfg.Call.ValiditySec)
	cfg.Call.Video = askBool(in, w, "Send video", cfg.Call.Video)
	cfg.Call.Audio = askBool(in, w, "Send audio", cfg.Call.Audio)
	cfg.Viewer.HTTPAddr = askString(in, w, "Call API HTTP addr (empty=off)", cfg.Viewer.HTTPAddr)

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func askString(in *bufio.Reader, w io.Writer, label, def string) string {
	fmt.Fprintf(w, "%s [%s]: ", label, def)
	s, _ := in.ReadString('\n')
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	return s
}

func askInt(in *bufio.Reader, w io.Writer, label string, def int) int {
	for {
		fmt.Fprintf(w, "%s [%d]: ", label, def)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(s)
		if s == "" {
			return def
		}
		if v, convErr := strconv.Atoi(s); convErr == nil {
			return v
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(w, "Please enter a number.")
	}
}

func askBool(in *bufio.Reader, w io.Writer, label string, def bool) bool {
	defStr := "n"
	if def {
		defStr = "y"
	}
	for {
		fmt.Fprintf(w, "%s [y/n] (default=%s): ", label, defStr)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(strings.ToLower(s))
		if s == "" {
			return def
		}
		switch s {
		case "y", "yes", "true", "1":
			return true
		case "n", "no", "false", "0":
			return false
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(w, "Please enter y or n.")
	}
}
