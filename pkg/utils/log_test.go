package utils

import (
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestTextFormatterRendersComponentAndSortedFields(t *testing.T) {
	f := &TextFormatter{DisableTimestamp: true}
	entry := &logrus.Entry{
		Time:    time.Now(),
		Level:   logrus.WarnLevel,
		Message: "Queue is full",
		Data: logrus.Fields{
			ComponentField:  "reader",
			"path":          "/tmp/x",
			"capacity":      10,
			logrus.ErrorKey: errors.New("boom"),
		},
	}
	out, err := f.Format(entry)
	require.NoError(t, err)
	require.Equal(t, "WARNI [READER]     Queue is full capacity:10 error:[boom] path:/tmp/x\n", string(out))
}
