// Package notifier delivers selected nudges to the user. The tray delivery
// posts to the desktop tray companion over its local webhook; the writer
// delivery prints them for terminals and cron mail.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mitchellh/go-ps"

	"github.com/julianstephens/cadence/internal/constants"
	"github.com/julianstephens/cadence/internal/logger"
	"github.com/julianstephens/cadence/internal/nudge"
)

var (
	userConfigDirFunc = os.UserConfigDir
	findProcessFunc   = ps.FindProcess
)

// Deliverer pushes one nudge to the user.
type Deliverer interface {
	Deliver(ctx context.Context, c nudge.Candidate) error
}

// New returns the deliverer for a configured mode. Writer output goes to w.
func New(mode string, w io.Writer) (Deliverer, error) {
	switch mode {
	case "tray":
		return NewTray(), nil
	case "stdout":
		return NewWriter(w), nil
	case "none":
		return Nop{}, nil
	default:
		return nil, fmt.Errorf("unknown notifier mode %q", mode)
	}
}

// DeliverAll sends each candidate in order and returns how many were
// delivered. It keeps going after a failure so one bad nudge does not starve
// the rest.
func DeliverAll(ctx context.Context, d Deliverer, cands []nudge.Candidate) (int, error) {
	var (
		delivered int
		errs      []error
	)
	for _, c := range cands {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		if err := d.Deliver(ctx, c); err != nil {
			logger.Warn("Nudge delivery failed", "habit_id", c.HabitID, "reason", c.Reason, "error", err)
			errs = append(errs, fmt.Errorf("habit %s: %w", c.HabitID, err))
			continue
		}
		delivered++
	}
	return delivered, errors.Join(errs...)
}

// Nop drops every nudge.
type Nop struct{}

func (Nop) Deliver(context.Context, nudge.Candidate) error { return nil }

var (
	reasonStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	titleStyle  = lipgloss.NewStyle().Bold(true)
)

// Writer prints one line per nudge.
type Writer struct {
	w io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (n *Writer) Deliver(_ context.Context, c nudge.Candidate) error {
	_, err := fmt.Fprintf(n.w, "%s %s: %s\n",
		reasonStyle.Render("["+string(c.Reason)+"]"),
		titleStyle.Render(c.Title),
		c.Message)
	return err
}

// Tray delivers through the tray companion. The companion advertises its
// port, pid and shared secret in a lockfile under its config directory.
type Tray struct {
	client *http.Client
}

type WebhookPayload struct {
	Text       string `json:"text"`
	DurationMs uint32 `json:"duration_ms"`
}

func NewTray() *Tray {
	return &Tray{client: &http.Client{}}
}

func (n *Tray) Deliver(ctx context.Context, c nudge.Candidate) error {
	return n.Notify(ctx, fmt.Sprintf("%s: %s", c.Title, c.Message))
}

// Notify posts text to the tray, retrying briefly when the companion is
// slow to accept the connection.
func (n *Tray) Notify(ctx context.Context, text string) error {
	trayAppConfigPath, err := GetTrayAppConfigDir()
	if err != nil {
		return err
	}

	port, secret, err := findAndValidateTrayProcess(filepath.Join(trayAppConfigPath, constants.NotifierLockfileName))
	if err != nil {
		return err
	}

	payload := WebhookPayload{
		Text:       text,
		DurationMs: constants.NotificationDurationMs,
	}

	for attempt := 0; ; attempt++ {
		err = sendNotification(ctx, n.client, port, secret, payload)
		if err == nil || attempt >= constants.NotifyMaxRetries {
			return err
		}
		logger.Debug("Retrying tray notification", "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(constants.NotifyRetryDelay):
		}
	}
}

// GetTrayAppConfigDir returns the configuration directory used by the tray application.
func GetTrayAppConfigDir() (string, error) {
	configDir, err := userConfigDirFunc()
	if err != nil {
		return "", fmt.Errorf("failed to get user config dir: %w", err)
	}

	trayConfigDir := filepath.Join(configDir, constants.TrayAppIdentifier)

	// A custom lockfile dir in the tray's settings.json wins.
	settingsPath := filepath.Join(trayConfigDir, "settings.json")
	if data, err := os.ReadFile(settingsPath); err == nil {
		var store struct {
			Settings struct {
				LockfileDir *string `json:"lockfile_dir"`
			} `json:"settings"`
		}
		if err := json.Unmarshal(data, &store); err == nil {
			if store.Settings.LockfileDir != nil && *store.Settings.LockfileDir != "" {
				return *store.Settings.LockfileDir, nil
			}
		}
	}

	return trayConfigDir, nil
}

// findAndValidateTrayProcess parses a "port|pid|secret" lockfile and checks
// the pid still belongs to the tray.
func findAndValidateTrayProcess(lockfilePath string) (string, string, error) {
	content, err := os.ReadFile(lockfilePath)
	if err != nil {
		return "", "", errors.New(constants.TrayProcessPrefix + " is not running")
	}

	parts := strings.Split(strings.TrimSpace(string(content)), "|")
	if len(parts) != 3 {
		return "", "", errors.New("lockfile is malformed")
	}

	port := parts[0]
	if strings.TrimSpace(port) == "" {
		return "", "", errors.New("port in lockfile is empty")
	}
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return "", "", errors.New("invalid port number in lockfile")
	}
	if portNum < 1 || portNum > 65535 {
		return "", "", fmt.Errorf("port number %d is outside valid range (1-65535)", portNum)
	}

	pid, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", "", errors.New("invalid process ID in lockfile")
	}
	secret := parts[2]
	if strings.TrimSpace(secret) == "" {
		return "", "", errors.New("secret in lockfile is empty")
	}

	process, err := findProcessFunc(pid)
	if err != nil || process == nil {
		return "", "", errors.New(constants.TrayProcessPrefix + " process not running")
	}

	if !strings.HasPrefix(process.Executable(), constants.TrayProcessPrefix) {
		return "", "", fmt.Errorf("process with PID %d is not %s (is %s)", pid, constants.TrayProcessPrefix, process.Executable())
	}

	return port, secret, nil
}

func sendNotification(ctx context.Context, client *http.Client, port string, secret string, payload WebhookPayload) error {
	url := fmt.Sprintf("http://127.0.0.1:%s", port)

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SecretHeader, secret)

	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusOK {
		return nil
	}

	body, _ := io.ReadAll(res.Body)
	return fmt.Errorf("notification failed with status %d: %s", res.StatusCode, string(body))
}

// SecretHeader carries the lockfile secret on every webhook call.
const SecretHeader = "X-Cadence-Secret"
