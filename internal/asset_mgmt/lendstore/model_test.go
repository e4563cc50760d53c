package lendstore

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPage_Normalize(t *testing.T) {
	cases := []struct {
		in   Page
		want Page
	}{
		{Page{}, Page{Limit: 50, Order: "desc"}},
		{Page{Limit: 500, Offset: -3, Order: "asc"}, Page{Limit: 200, Order: "asc"}},
		{Page{Limit: 10, Order: "ASC"}, Page{Limit: 10, Order: "asc"}},
		{Page{Limit: 10, Order: " Asc "}, Page{Limit: 10, Order: "asc"}},
		{Page{Limit: 10, Order: "DESC"}, Page{Limit: 10, Order: "desc"}},
		{Page{Limit: 10, Order: "sideways"}, Page{Limit: 10, Order: "desc"}},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, c.in.Normalize(), "%+v", c.in)
	}
}

func TestTooLong(t *testing.T) {
	assert.False(t, TooLong(strings.Repeat("a", MaxRefLen), MaxRefLen))
	assert.True(t, TooLong(strings.Repeat("a", MaxRefLen+1), MaxRefLen))
	// 文字数で数える
	assert.False(t, TooLong(strings.Repeat("備", MaxTextLen), MaxTextLen))
	assert.True(t, TooLong(strings.Repeat("備", MaxTextLen+1), MaxTextLen))
}
