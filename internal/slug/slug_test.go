package slug

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMake(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "Kitchen", want: "kitchen"},
		{in: "OneMeter_Kitchen_Total Consumption", want: "onemeter_kitchen_total_consumption"},
		{in: "Kuchnia Główna", want: "kuchnia_glowna"},
		{in: "  --Garage #2--  ", want: "garage_2"},
		{in: "Straße", want: "strasse"},
		{in: "Café", want: "cafe"},
		{in: "", want: Unknown},
		{in: "!!!", want: Unknown},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Make(tc.in), "input %q", tc.in)
	}
}
