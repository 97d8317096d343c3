package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetupWritesStructuredJSON(t *testing.T) {
	previous := slog.Default()
	t.Cleanup(func() { slog.SetDefault(previous) })

	var buf bytes.Buffer
	logger := SetupWithOptions("trustlord", "test", Options{Output: &buf, Level: "debug"})
	logger.Debug("lease saved", slog.String("lease_id", "lease-001"), Phone("landlord_phone", "+256772123456"))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "lease saved", line["message"])
	require.Equal(t, "DEBUG", line["severity"])
	require.Equal(t, "trustlord", line["service"])
	require.Equal(t, "test", line["env"])
	require.Equal(t, "*********456", line["landlord_phone"])
	require.Contains(t, line, "timestamp")
}

func TestLevelFiltering(t *testing.T) {
	previous := slog.Default()
	t.Cleanup(func() { slog.SetDefault(previous) })

	var buf bytes.Buffer
	logger := SetupWithOptions("trustlord", "", Options{Output: &buf, Level: "warn"})
	logger.Info("ignored")
	require.Zero(t, buf.Len())
	logger.Warn("kept")
	require.NotZero(t, buf.Len())
}

func TestRotatingFileOutput(t *testing.T) {
	previous := slog.Default()
	t.Cleanup(func() { slog.SetDefault(previous) })

	path := filepath.Join(t.TempDir(), "trustlord.log")
	logger := SetupWithOptions("trustlord", "", Options{File: path, MaxBackups: 1})
	logger.Info("written to file")

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(raw), "written to file")
}

func TestMaskField(t *testing.T) {
	require.Equal(t, RedactedValue, MaskField("customer_email", "tenant@example.com").Value.String())
	require.Equal(t, "pay_1", MaskField("payment_id", "pay_1").Value.String())
	require.Equal(t, "", MaskField("customer_email", "").Value.String())
	require.Contains(t, RedactionAllowlist(), "reference")
}

func TestMaskPhone(t *testing.T) {
	cases := map[string]string{
		"+256772123456": "*********456",
		"0772 123 456":  "*******456",
		"12345":         RedactedValue,
		"":              "",
	}
	for in, want := range cases {
		require.Equal(t, want, MaskPhone(in), in)
	}
}
