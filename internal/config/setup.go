package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

const maxSetupAttempts = 3

// RunSetupWizard prompts on stdin for the settings role needs and saves them.
func RunSetupWizard(cfg *Config, role Role) error {
	return runSetup(cfg, role, bufio.NewReader(os.Stdin), os.Stdout, 1)
}

func runSetup(cfg *Config, role Role, reader *bufio.Reader, out io.Writer, attempt int) error {
	fmt.Fprintln(out, "╔══════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║          Sustenet - First Run Setup          ║")
	fmt.Fprintln(out, "╚══════════════════════════════════════════════╝")
	fmt.Fprintln(out)

	switch role {
	case RoleMaster:
		m := cfg.GetMaster()
		fmt.Fprintln(out, "── Master Server ──")
		m.Port = promptInt(reader, out, "Listen port", m.Port)
		warnPortBusy(out, m.Port)
		m.MaxConnections = promptInt(reader, out, "Max connections (0 = unbounded)", m.MaxConnections)
		m.KeysDirectory = promptString(reader, out, "Cluster keys directory", m.KeysDirectory)
		m.ChallengeTimeoutSec = promptInt(reader, out, "Handshake timeout (seconds)", m.ChallengeTimeoutSec)

		fmt.Fprintln(out)
		fmt.Fprintln(out, "── Ban Policy ──")
		fmt.Fprintln(out, "  0 disables banning. N bans an IP after N failed cluster handshakes.")
		def := m.BanThreshold
		if def < 0 {
			def = 5
		}
		m.BanThreshold = promptInt(reader, out, "Ban threshold", def)
		cfg.SetMaster(m)

	case RoleCluster:
		c := cfg.GetCluster()
		fmt.Fprintln(out, "── Cluster Identity ──")
		c.Name = promptString(reader, out, "Cluster name", c.Name)
		c.KeyName = promptString(reader, out, "Key name (file <name>.key in the keys directory)", c.KeyName)
		c.KeysDirectory = promptString(reader, out, "Keys directory", c.KeysDirectory)

		fmt.Fprintln(out)
		fmt.Fprintln(out, "── Network ──")
		c.Port = promptInt(reader, out, "Listen port", c.Port)
		warnPortBusy(out, c.Port)
		c.AdvertisedIP = promptString(reader, out, "Advertised IP (leave blank to auto-detect)", c.AdvertisedIP)
		c.MasterAddress = promptString(reader, out, "Master address", c.MasterAddress)
		c.MasterPort = promptInt(reader, out, "Master port", c.MasterPort)
		cfg.SetCluster(c)
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "── MQTT Telemetry ──")
	cfg.mu.Lock()
	cfg.ApplicationData.MQTT.Enabled = promptBool(reader, out, "Enable MQTT telemetry", cfg.ApplicationData.MQTT.Enabled)
	if cfg.ApplicationData.MQTT.Enabled {
		cfg.ApplicationData.MQTT.BrokerURL = promptString(reader, out, "MQTT broker host", cfg.ApplicationData.MQTT.BrokerURL)
	}
	cfg.mu.Unlock()

	result := Validate(cfg, role)
	if !result.IsValid() {
		fmt.Fprintln(out, "\n⚠ Configuration has errors:")
		for _, e := range result.Errors {
			fmt.Fprintf(out, "  - [%s] %s\n", e.Field, e.Message)
		}
		if attempt >= maxSetupAttempts {
			return fmt.Errorf("configuration validation failed")
		}
		retry := promptString(reader, out, "Would you like to try again? (yes/no)", "yes")
		if strings.ToLower(retry) == "yes" {
			return runSetup(cfg, role, reader, out, attempt+1)
		}
		return fmt.Errorf("configuration validation failed")
	}

	for _, w := range result.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}

	if err := cfg.Save(); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Fprintln(out)
	fmt.Fprintf(out, "✓ Configuration saved to %s\n", cfg.Path())
	fmt.Fprintln(out)
	return nil
}

func warnPortBusy(out io.Writer, port int) {
	if port > 0 && port <= 65535 && !IsPortAvailable(port) {
		fmt.Fprintf(out, "  ⚠ Port %d is already in use on this host\n", port)
	}
}

func promptString(reader *bufio.Reader, out io.Writer, prompt string, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "  %s [%s]: ", prompt, defaultVal)
	} else {
		fmt.Fprintf(out, "  %s: ", prompt)
	}

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal
	}
	return input
}

func promptInt(reader *bufio.Reader, out io.Writer, prompt string, defaultVal int) int {
	fmt.Fprintf(out, "  %s [%d]: ", prompt, defaultVal)

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal
	}

	val, err := strconv.Atoi(input)
	if err != nil {
		fmt.Fprintf(out, "  Invalid number, using default: %d\n", defaultVal)
		return defaultVal
	}
	return val
}

func promptBool(reader *bufio.Reader, out io.Writer, prompt string, defaultVal bool) bool {
	def := "no"
	if defaultVal {
		def = "yes"
	}
	fmt.Fprintf(out, "  %s (yes/no) [%s]: ", prompt, def)

	input, _ := reader.ReadString('\n')
	input = strings.ToLower(strings.TrimSpace(input))
	switch input {
	case "":
		return defaultVal
	case "yes", "y", "true", "1":
		return true
	default:
		return false
	}
}
