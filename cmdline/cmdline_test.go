package cmdline_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chronicle.dev/chronicle/cmdline"
	"chronicle.dev/chronicle/trial"
)

func TestParseSpaceAndEqualsForms(t *testing.T) {
	tmpl, cfg, err := cmdline.Parse([]string{"train.py", "--lr", "0.1", "--name=exp1"})
	require.NoError(t, err)
	assert.Equal(t, cmdline.Template{"train.py", "--lr", "{lr}", "--name", "{name}"}, tmpl)
	assert.Equal(t, 0.1, cfg["lr"].Scalar)
	assert.Equal(t, "exp1", cfg["name"].Scalar)
}

func TestParseBareFlagIsBooleanTrue(t *testing.T) {
	_, cfg, err := cmdline.Parse([]string{"train.py", "--verbose"})
	require.NoError(t, err)
	assert.Equal(t, true, cfg["verbose"].Scalar)
}

func TestParsePositionalArgsKeptLiteral(t *testing.T) {
	tmpl, cfg, err := cmdline.Parse([]string{"train.py", "input.csv", "--epochs", "5"})
	require.NoError(t, err)
	assert.Equal(t, cmdline.Template{"train.py", "input.csv", "--epochs", "{epochs}"}, tmpl)
	assert.Equal(t, 5.0, cfg["epochs"].Scalar)
}

func TestParseEmptyFlagNameErrors(t *testing.T) {
	_, _, err := cmdline.Parse([]string{"--=value"})
	assert.Error(t, err)
}

func TestFormatSubstitutesPlaceholders(t *testing.T) {
	tmpl, cfg, err := cmdline.Parse([]string{"train.py", "--lr", "0.1"})
	require.NoError(t, err)
	argv, err := cmdline.Format(tmpl, cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"train.py", "--lr", "0.1"}, argv)
}

func TestFormatMissingValueErrors(t *testing.T) {
	tmpl, _, err := cmdline.Parse([]string{"train.py", "--lr", "0.1"})
	require.NoError(t, err)
	_, err = cmdline.Format(tmpl, trial.Configuration{})
	assert.Error(t, err)
}

func TestMergeOverridesWin(t *testing.T) {
	base := trial.Configuration{"lr": trial.ConfigValue{Scalar: 0.1}, "epochs": trial.ConfigValue{Scalar: 10.0}}
	overrides := trial.Configuration{"lr": trial.ConfigValue{Scalar: 0.2}}
	merged := cmdline.Merge(base, overrides)
	assert.Equal(t, 0.2, merged["lr"].Scalar)
	assert.Equal(t, 10.0, merged["epochs"].Scalar)
	// inputs untouched
	assert.Equal(t, 0.1, base["lr"].Scalar)
}

func TestParseFormatParseRoundTrip(t *testing.T) {
	argv := []string{"train.py", "--lr", "0.1", "--name=exp1", "--verbose"}
	tmpl, cfg, err := cmdline.Parse(argv)
	require.NoError(t, err)
	out, err := cmdline.Format(tmpl, cfg)
	require.NoError(t, err)
	_, cfg2, err := cmdline.Parse(out)
	require.NoError(t, err)
	assert.Equal(t, cfg, cfg2)
}
