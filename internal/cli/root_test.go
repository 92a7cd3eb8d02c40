package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/medchain/internal/ir"
	"github.com/roach88/medchain/internal/store"
	"github.com/roach88/medchain/internal/verify"
)

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func jsonData(t *testing.T, out string) map[string]any {
	t.Helper()
	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status)
	data, ok := resp.Data.(map[string]any)
	require.True(t, ok, "data is %T", resp.Data)
	return data
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "medchain", cmd.Use)
	assert.Contains(t, cmd.Long, "MEDCHAIN_")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"genesis", "append", "lane", "history", "verify", "stats", "seed", "serve"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	for name, def := range map[string]string{
		"format": "text",
		"driver": "sqlite",
		"db":     "medchain.db",
		"anchor": "disabled",
	} {
		f := cmd.PersistentFlags().Lookup(name)
		require.NotNil(t, f, name)
		assert.Equal(t, def, f.DefValue, name)
	}
}

func TestInvalidFormat(t *testing.T) {
	_, err := execute(t, "stats", "--format", "xml", "--db", filepath.Join(t.TempDir(), "m.db"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestInvalidDriver(t *testing.T) {
	_, err := execute(t, "stats", "--driver", "mysql")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "store.driver")
}

func TestInvalidFields(t *testing.T) {
	db := filepath.Join(t.TempDir(), "m.db")

	_, err := execute(t, "genesis", "1", "--db", db, "--fields", `{"weight": 70.5}`)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.True(t, errors.Is(err, ir.ErrFloatForbidden))
}

func TestWriteAndVerify(t *testing.T) {
	db := filepath.Join(t.TempDir(), "m.db")

	out, err := execute(t, "genesis", "1", "--db", db, "--format", "json",
		"--fields", `{"cedula":"123","name":"Ana Lopez"}`)
	require.NoError(t, err)
	genesis := jsonData(t, out)
	assert.Equal(t, "genesis", genesis["category"])
	assert.Equal(t, "0", genesis["previous_hash"])
	genesisHash := genesis["hash_value"].(string)
	require.Len(t, genesisHash, 64)

	out, err = execute(t, "append", "1", "allergy", "--db", db, "--format", "json", "--record-id", "alg-1",
		"--fields", `{"substance":"penicillin","severity":"severe"}`)
	require.NoError(t, err)
	allergy := jsonData(t, out)
	assert.Equal(t, genesisHash, allergy["previous_hash"])
	assert.Equal(t, "alg-1", allergy["record_id"])

	out, err = execute(t, "verify", "--db", db)
	require.NoError(t, err)
	assert.Equal(t, "verified 2 lanes: all intact\n", out)

	s, err := store.Open(db)
	require.NoError(t, err)
	_, err = s.DB().Exec(`UPDATE ledger_entries SET payload = ? WHERE category = 'allergy'`,
		`{"severity":"mild","substance":"penicillin"}`)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	out, err = execute(t, "verify", "--db", db)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "1 suspect")
	assert.Contains(t, out, "1/allergy: hash_mismatch at index 0 (seq 1)")

	// Other lanes are unaffected.
	_, err = execute(t, "verify", "--db", db, "--category", "genesis")
	assert.NoError(t, err)
}

func TestWriteRejections(t *testing.T) {
	db := filepath.Join(t.TempDir(), "m.db")
	_, err := execute(t, "genesis", "1", "--db", db, "--fields", `{"cedula":"123","name":"Ana Lopez"}`)
	require.NoError(t, err)

	tests := []struct {
		name string
		args []string
		code string
	}{
		{"second genesis", []string{"genesis", "1", "--fields", `{"cedula":"123","name":"Ana"}`}, "GENESIS_EXISTS"},
		{"unknown subject", []string{"append", "9", "allergy", "--fields", `{"substance":"latex","severity":"mild"}`}, "UNKNOWN_SUBJECT"},
		{"schema violation", []string{"append", "1", "allergy", "--fields", `{"substance":"latex","severity":"extreme"}`}, "INVALID_PAYLOAD"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, append(tt.args, "--db", db)...)
			require.Error(t, err)
			assert.Equal(t, ExitFailure, GetExitCode(err))
			assert.Contains(t, out, "Error ["+tt.code+"]")
		})
	}
}

func TestGatedLaneRead(t *testing.T) {
	db := filepath.Join(t.TempDir(), "m.db")

	out, err := execute(t, "genesis", "1", "--db", db, "--format", "json",
		"--fields", `{"cedula":"123","name":"Ana Lopez"}`)
	require.NoError(t, err)
	genesisHash := jsonData(t, out)["hash_value"].(string)
	secret := genesisHash[len(genesisHash)-8:]

	_, err = execute(t, "append", "1", "allergy", "--db", db, "--record-id", "alg-1",
		"--fields", `{"substance":"penicillin","severity":"severe"}`)
	require.NoError(t, err)

	out, err = execute(t, "lane", "1", "allergy", "--db", db, "--as", "professional:dr-7")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "ACCESS_DENIED")

	out, err = execute(t, "lane", "1", "allergy", "--db", db, "--as", "professional:dr-7", "--secret", "00000000")
	require.Error(t, err)
	assert.Contains(t, out, "ACCESS_DENIED")

	out, err = execute(t, "lane", "1", "allergy", "--db", db, "--as", "professional:dr-7",
		"--secret", secret, "--reason", "consultation")
	require.NoError(t, err)
	assert.Contains(t, out, "alg-1")

	out, err = execute(t, "lane", "1", "allergy", "--db", db, "--as", "patient:1", "--record-id", "alg-1")
	require.NoError(t, err)
	assert.Contains(t, out, "record:    alg-1")

	out, err = execute(t, "lane", "1", "--db", db, "--as", "patient:1")
	require.NoError(t, err)
	assert.Contains(t, out, "genesis")
	assert.Contains(t, out, "allergy")

	// denied, denied unlock, unlock, granted read, record, profile, and the
	// history read itself.
	out, err = execute(t, "history", "1", "--db", db, "--format", "json")
	require.NoError(t, err)
	var resp struct {
		Data []ir.AuditEntry `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data, 7)
	assert.False(t, resp.Data[0].Granted)
	assert.Equal(t, "consultation", resp.Data[2].Reason)
	assert.True(t, resp.Data[3].Granted)
	assert.Equal(t, ir.Admin("cli"), resp.Data[6].Actor)
}

func TestSeedAndStats(t *testing.T) {
	db := filepath.Join(t.TempDir(), "m.db")
	fixture := filepath.Join("..", "seed", "testdata", "demo.yaml")

	out, err := execute(t, "seed", fixture, "--db", db)
	require.NoError(t, err)
	assert.Equal(t, "seeded 2 subjects (0 skipped), 6 entries\n", out)

	out, err = execute(t, "seed", fixture, "--db", db)
	require.NoError(t, err)
	assert.Equal(t, "seeded 0 subjects (2 skipped), 0 entries\n", out)

	out, err = execute(t, "stats", "--db", db, "--format", "json")
	require.NoError(t, err)
	stats := jsonData(t, out)
	assert.EqualValues(t, 6, stats["entries"])
	assert.EqualValues(t, 2, stats["subjects"])
	assert.EqualValues(t, 6, stats["unanchored"])

	out, err = execute(t, "stats", "--db", db)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "entries: 6  subjects: 2  lanes: 5"), out)
}

func TestKeyValueDrivers(t *testing.T) {
	for _, driver := range []string{"leveldb", "badger"} {
		t.Run(driver, func(t *testing.T) {
			dir := filepath.Join(t.TempDir(), driver)

			_, err := execute(t, "genesis", "1", "--driver", driver, "--db", dir,
				"--fields", `{"cedula":"123","name":"Ana Lopez"}`)
			require.NoError(t, err)
			_, err = execute(t, "append", "1", "allergy", "--driver", driver, "--db", dir,
				"--fields", `{"substance":"penicillin","severity":"severe"}`)
			require.NoError(t, err)

			out, err := execute(t, "verify", "--driver", driver, "--db", dir)
			require.NoError(t, err)
			assert.Equal(t, "verified 2 lanes: all intact\n", out)
		})
	}
}

func TestConfigFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "medchain.yaml")
	db := filepath.Join(dir, "from-config.db")
	require.NoError(t, writeFile(cfgPath, "store:\n  driver: sqlite\n  dsn: "+db+"\nanchor:\n  mode: mock\n"))

	_, err := execute(t, "genesis", "1", "--config", cfgPath, "--fields", `{"cedula":"123","name":"Ana Lopez"}`)
	require.NoError(t, err)

	// The mock anchor has settled before the command returned.
	out, err := execute(t, "stats", "--config", cfgPath, "--format", "json")
	require.NoError(t, err)
	stats := jsonData(t, out)
	assert.EqualValues(t, 1, stats["entries"])
	assert.EqualValues(t, 1, stats["anchored"])
}

func TestVerifyReportGolden(t *testing.T) {
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)

	report := verify.Report{Results: []verify.Result{
		{Lane: ir.Lane{Subject: "1", Category: "genesis"}, Entries: 1},
		{Lane: ir.Lane{Subject: "1", Category: "allergy"}, Entries: 1, Break: &verify.Break{
			Index:    0,
			Seq:      1,
			Hash:     "f439050bfdce338074f4d9ddcbd061da30240f4eaf2aca00bfdf889ff8a28863",
			Kind:     verify.KindHashMismatch,
			Expected: "f439050bfdce338074f4d9ddcbd061da30240f4eaf2aca00bfdf889ff8a28863",
			Actual:   "0499962a",
		}},
		{Lane: ir.Lane{Subject: "2", Category: "surgery"}, ReadErr: errors.New("disk I/O error")},
	}}

	buf := &bytes.Buffer{}
	require.NoError(t, newReportView(report).renderText(buf))
	g.Assert(t, "verify_report", buf.Bytes())
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o600)
}
