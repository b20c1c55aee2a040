package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractHostPort(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"localhost:9000", "localhost:9000"},
		{"clickhouse", "clickhouse:9000"},
		{"http://clickhouse", "clickhouse:9000"},
		{"https://ch.example.com", "ch.example.com:9440"},
		{"https://ch.example.com:9441/", "ch.example.com:9441"},
		{"clickhouse://analytics:9000", "analytics:9000"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, extractHostPort(tc.url), tc.url)
	}
	assert.Equal(t, "ch.example.com", extractHostname("https://ch.example.com"))
}
