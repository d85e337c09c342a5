package cli

import (
	"bytes"
	"strings"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ohdsi-contrib/legend/internal/config"
)

func TestNewRootCmd(t *testing.T) {
	cmd := NewRootCmd()
	assert.Equal(t, "legend", cmd.Use)

	for _, name := range []string{
		"config", "indication", "output-folder", "comparisons-file",
		"state-path", "max-cores", "min-cell-count", "log-format", "verbose",
		"skip-create-exposure-cohorts", "skip-export-results",
	} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), "flag %q should exist", name)
	}

	var names []string
	for _, sub := range cmd.Commands() {
		names = append(names, sub.Name())
	}
	assert.Subset(t, names, []string{"run", "stages", "export", "validate", "version"})
}

func TestNewLoggerFormats(t *testing.T) {
	var buf bytes.Buffer

	newLogger(&buf, "json", false).Info("ready", "stage", "exportResults")
	line := buf.String()
	assert.True(t, strings.HasPrefix(line, "{"), "json format should emit JSON records, got %q", line)
	assert.Contains(t, line, `"stage":"exportResults"`)

	buf.Reset()
	newLogger(&buf, "text", false).Info("ready", "stage", "exportResults")
	assert.Contains(t, buf.String(), "stage=exportResults")

	// Debug records only appear when verbose.
	buf.Reset()
	newLogger(&buf, "text", false).Debug("hidden")
	assert.Empty(t, buf.String())
	newLogger(&buf, "text", true).Debug("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestApplySkipFlags(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	for _, flag := range skipFlags {
		flags.Bool(flag.name, false, "")
	}
	require.NoError(t, flags.Parse([]string{"--skip-fit-outcome-models", "--skip-export-results"}))

	study := &config.Study{Stages: config.AllStages()}
	applySkipFlags(flags, study)

	assert.False(t, study.Stages.FitOutcomeModels)
	assert.False(t, study.Stages.ExportResults)
	assert.True(t, study.Stages.CreateExposureCohorts)
	assert.True(t, study.Stages.ComputeIncidence)
}
