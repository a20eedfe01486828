package logflags

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reset() {
	dbi, msf, pdb = false, false, false
	logOut = nil
}

func TestSetupWithoutLog(t *testing.T) {
	defer reset()
	require.NoError(t, Setup(false, "", nil))
	assert.False(t, DBI())
	assert.Equal(t, logrus.PanicLevel, DBILogger().Logger.Level)

	assert.Equal(t, errLogstrWithoutLog, Setup(false, "dbi", nil))
}

func TestSetupLayers(t *testing.T) {
	defer reset()
	var buf bytes.Buffer
	require.NoError(t, Setup(true, "dbi, msf", &buf))
	assert.True(t, DBI())
	assert.True(t, MSF())
	assert.False(t, PDB())

	DBILogger().Debugf("parsed %d modules", 3)
	assert.Contains(t, buf.String(), "parsed 3 modules")
	assert.Contains(t, buf.String(), "layer=dbi")

	buf.Reset()
	PDBLogger().Debug("hidden")
	assert.Empty(t, buf.String())
}

func TestSetupDefaultLayer(t *testing.T) {
	defer reset()
	require.NoError(t, Setup(true, "", nil))
	assert.True(t, PDB())
	assert.False(t, DBI())
}
