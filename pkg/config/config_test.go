package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/nobletooth/levelbag/pkg/utils"
)

var (
	testIntFlag      = flag.Int("config_test_int", 1, "Test only.")
	testFloatFlag    = flag.Float64("config_test_float", 0.5, "Test only.")
	testStringFlag   = flag.String("config_test_string", "default", "Test only.")
	testBoolFlag     = flag.Bool("config_test_bool", false, "Test only.")
	testDurationFlag = flag.Duration("config_test_duration", time.Second, "Test only.")
)

// resetTestFlags restores the test flags once the test is done.
func resetTestFlags(t *testing.T) {
	t.Helper()
	for _, name := range []string{"config_test_int", "config_test_float", "config_test_string", "config_test_bool",
		"config_test_duration"} {
		prevValue := flag.Lookup(name).Value.String()
		t.Cleanup(func() { require.NoError(t, flag.Set(name, prevValue)) })
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestValueToString(t *testing.T) {
	for _, testCase := range []struct {
		name    string
		value   *structpb.Value
		want    string
		wantErr bool
	}{
		{name: "bool", value: structpb.NewBoolValue(true), want: "true"},
		{name: "integer", value: structpb.NewNumberValue(1_000_000), want: "1000000"},
		{name: "negative integer", value: structpb.NewNumberValue(-3), want: "-3"},
		{name: "fraction", value: structpb.NewNumberValue(0.01), want: "0.01"},
		{name: "string", value: structpb.NewStringValue("100ms"), want: "100ms"},
		{name: "null", value: structpb.NewNullValue(), wantErr: true},
		{name: "list", value: structpb.NewListValue(&structpb.ListValue{}), wantErr: true},
	} {
		t.Run(testCase.name, func(t *testing.T) {
			got, err := valueToString(testCase.value)
			if testCase.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, testCase.want, got)
		})
	}
}

func TestApplyFlags(t *testing.T) {
	t.Run("flat and nested entries", func(t *testing.T) {
		resetTestFlags(t)
		conf, err := LoadFile(writeConfig(t, `{
			"config_test_int": 42,
			"group": {"config_test_float": 0.25, "inner": {"config_test_string": "hello"}},
			"config_test_bool": true,
			"config_test_duration": "250ms"
		}`))
		require.NoError(t, err)
		require.NoError(t, ApplyFlags(conf))
		assert.Equal(t, 42, *testIntFlag)
		assert.Equal(t, 0.25, *testFloatFlag)
		assert.Equal(t, "hello", *testStringFlag)
		assert.True(t, *testBoolFlag)
		assert.Equal(t, 250*time.Millisecond, *testDurationFlag)
	})

	t.Run("unknown entries set nothing", func(t *testing.T) {
		resetTestFlags(t)
		conf, err := LoadFile(writeConfig(t, `{"config_test_int": 7, "no_such_flag": 1}`))
		require.NoError(t, err)
		err = ApplyFlags(conf)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no_such_flag")
		assert.Equal(t, 1, *testIntFlag)
	})

	t.Run("duplicate entries", func(t *testing.T) {
		conf, err := LoadFile(writeConfig(t, `{"a": {"config_test_int": 1}, "b": {"config_test_int": 2}}`))
		require.NoError(t, err)
		assert.ErrorContains(t, ApplyFlags(conf), "multiple entries")
	})

	t.Run("bad value", func(t *testing.T) {
		resetTestFlags(t)
		conf, err := LoadFile(writeConfig(t, `{"config_test_int": "many"}`))
		require.NoError(t, err)
		assert.ErrorContains(t, ApplyFlags(conf), "config_test_int")
	})

	t.Run("list value", func(t *testing.T) {
		conf, err := LoadFile(writeConfig(t, `{"config_test_int": [1, 2]}`))
		require.NoError(t, err)
		assert.ErrorContains(t, ApplyFlags(conf), "lists aren't supported")
	})
}

func TestLoadFile(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = LoadFile(writeConfig(t, `{"config_test_int": `))
	assert.ErrorContains(t, err, "failed to parse config file")
}

func TestInitFlags(t *testing.T) {
	resetTestFlags(t)
	utils.SetTestFlag(t, "config_file", writeConfig(t, `{"config_test_int": 9, "config_test_string": "from file"}`))
	InitFlags()
	assert.Equal(t, 9, *testIntFlag)
	assert.Equal(t, "from file", *testStringFlag)

	t.Run("missing file keeps defaults", func(t *testing.T) {
		resetTestFlags(t)
		utils.SetTestFlag(t, "config_file", filepath.Join(t.TempDir(), "missing.json"))
		require.NoError(t, flag.Set("config_test_int", "3"))
		InitFlags()
		assert.Equal(t, 3, *testIntFlag)
	})
}

func TestCollectUnconfiguredFlags(t *testing.T) {
	conf, err := structpb.NewStruct(map[string]any{"config_test_int": 1, "group": map[string]any{"config_test_bool": true}})
	require.NoError(t, err)
	errs := CollectUnconfiguredFlags(conf)
	messages := make([]string, 0, len(errs))
	for _, err := range errs {
		messages = append(messages, err.Error())
	}
	assert.Contains(t, messages, "flag 'config_test_float' has no entry in the config file")
	assert.NotContains(t, messages, "flag 'config_test_int' has no entry in the config file")
	assert.NotContains(t, messages, "flag 'config_test_bool' has no entry in the config file")
	assert.NotContains(t, messages, "flag 'config_file' has no entry in the config file")
}
