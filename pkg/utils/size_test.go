package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		input   string
		want    int64
		wantErr bool
	}{
		{"0", 0, false},
		{"1048576", 1048576, false},
		{"100B", 100, false},
		{"12 bytes", 12, false},

		{"1KB", 1000, false},
		{"1.5kb", 1500, false},
		{"1MB", 1000000, false},
		{"40GB", 40000000000, false},

		{"1K", 1024, false},
		{"64KiB", 65536, false},
		{"1.5MiB", 1572864, false},
		{"2 g", 2147483648, false},
		{"1TiB", 1099511627776, false},

		{"", 0, true},
		{"   ", 0, true},
		{"MB", 0, true},
		{"1.2.3MB", 0, true},
		{"-1KB", 0, true},
		{"10XB", 0, true},
		{"9999999999T", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseByteSize(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatByteSize(t *testing.T) {
	tests := []struct {
		input int64
		want  string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1 KiB"},
		{1536, "1.5 KiB"},
		{MebiByte, "1 MiB"},
		{5*GibiByte + GibiByte/4, "5.25 GiB"},
		{3 * TebiByte, "3 TiB"},
		{-1, "invalid"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatByteSize(tt.input), "%d", tt.input)
	}
}

func TestFormatParsesBack(t *testing.T) {
	for _, n := range []int64{0, 512, KibiByte, 3 * MebiByte, 7 * GibiByte} {
		got, err := ParseByteSize(FormatByteSize(n))
		require.NoError(t, err)
		assert.Equal(t, n, got)
	}
}
