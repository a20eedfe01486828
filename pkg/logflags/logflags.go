// Package logflags controls which layers of the reader produce debug
// output.
package logflags

import (
	"errors"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var dbi = false
var msf = false
var pdb = false

var logOut io.Writer

func makeLogger(flag bool, fields logrus.Fields) *logrus.Entry {
	logger := logrus.New().WithFields(fields)
	logger.Logger.Formatter = &logrus.TextFormatter{DisableTimestamp: true}
	logger.Logger.Level = logrus.DebugLevel
	if logOut != nil {
		logger.Logger.Out = logOut
	} else {
		logger.Logger.Out = os.Stderr
	}
	if !flag {
		logger.Logger.Level = logrus.PanicLevel
	}
	return logger
}

// DBI returns true if the DBI stream parser should log.
func DBI() bool {
	return dbi
}

// DBILogger returns a logger for the DBI stream parser.
func DBILogger() *logrus.Entry {
	return makeLogger(dbi, logrus.Fields{"layer": "dbi"})
}

// MSF returns true if the MSF container reader should log.
func MSF() bool {
	return msf
}

// MSFLogger returns a logger for the MSF container reader.
func MSFLogger() *logrus.Entry {
	return makeLogger(msf, logrus.Fields{"layer": "msf"})
}

// PDB returns true if the pdb package should log.
func PDB() bool {
	return pdb
}

// PDBLogger returns a logger for the pdb package.
func PDBLogger() *logrus.Entry {
	return makeLogger(pdb, logrus.Fields{"layer": "pdb"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets logging flags based on the contents of logstr. Log output goes
// to out, or to standard error if out is nil.
func Setup(logFlag bool, logstr string, out io.Writer) error {
	logOut = out
	if !logFlag {
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "pdb"
	}
	for _, logcmd := range strings.Split(logstr, ",") {
		switch strings.TrimSpace(logcmd) {
		case "dbi":
			dbi = true
		case "msf":
			msf = true
		case "pdb":
			pdb = true
		}
	}
	return nil
}
