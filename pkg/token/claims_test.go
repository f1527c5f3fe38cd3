package token_test

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkcm/session-edge/pkg/token"
)

const claimsDoc = `{"sub":"user-1","zeta":1,"alpha":"a","nested":{"z":true,"a":null},"list":[1,2.5,"x",[]],"admin":false}`

func TestClaims_PreservesOrder(t *testing.T) {
	var claims token.Claims
	require.NoError(t, json.Unmarshal([]byte(claimsDoc), &claims))

	assert.Equal(t, []string{"sub", "zeta", "alpha", "nested", "list", "admin"}, claims.Keys())

	nested, ok := claims.Get("nested")
	require.True(t, ok)
	assert.Equal(t, []string{"z", "a"}, nested.Map().Keys())

	out, err := json.Marshal(claims)
	require.NoError(t, err)
	assert.JSONEq(t, claimsDoc, string(out))
	assert.Equal(t, claimsDoc, string(out))
}

func TestClaims_Values(t *testing.T) {
	var claims token.Claims
	require.NoError(t, json.Unmarshal([]byte(claimsDoc), &claims))

	tests := []struct {
		key  string
		kind token.Kind
	}{
		{key: "sub", kind: token.KindString},
		{key: "zeta", kind: token.KindNumber},
		{key: "nested", kind: token.KindMap},
		{key: "list", kind: token.KindList},
		{key: "admin", kind: token.KindBool},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			v, ok := claims.Get(tt.key)
			require.True(t, ok)
			assert.Equal(t, tt.kind, v.Kind())
		})
	}

	nested, _ := claims.Get("nested")
	a, ok := nested.Map().Get("a")
	require.True(t, ok)
	assert.True(t, a.IsNull())

	list, _ := claims.Get("list")
	f, ok := list.List()[1].AsFloat()
	require.True(t, ok)
	assert.InDelta(t, 2.5, f, 0)

	_, ok = claims.Get("missing")
	assert.False(t, ok)
	assert.Empty(t, claims.GetString("zeta"))
}

func TestClaims_AsMap(t *testing.T) {
	var claims token.Claims
	require.NoError(t, json.Unmarshal([]byte(claimsDoc), &claims))

	want := map[string]any{
		"sub":    "user-1",
		"zeta":   int64(1),
		"alpha":  "a",
		"nested": map[string]any{"z": true, "a": nil},
		"list":   []any{int64(1), 2.5, "x", []any{}},
		"admin":  false,
	}
	if diff := cmp.Diff(want, claims.AsMap()); diff != "" {
		t.Errorf("AsMap() mismatch (-want +got):\n%s", diff)
	}
}

func TestClaims_Decode(t *testing.T) {
	type tenant struct {
		ID    string   `json:"id"`
		Roles []string `json:"roles"`
	}
	type profile struct {
		Subject  string `json:"sub"`
		Email    string `json:"email"`
		Verified bool   `json:"email_verified"`
		Level    int    `json:"level"`
		Tenant   tenant `json:"tenant"`
	}

	var claims token.Claims
	require.NoError(t, json.Unmarshal([]byte(`{"sub":"user-1","email":"u@example.com","email_verified":true,"level":3,"tenant":{"id":"t-1","roles":["admin"]},"ignored":1}`), &claims))

	var got profile
	require.NoError(t, claims.Decode(&got))

	want := profile{
		Subject:  "user-1",
		Email:    "u@example.com",
		Verified: true,
		Level:    3,
		Tenant:   tenant{ID: "t-1", Roles: []string{"admin"}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Decode() mismatch (-want +got):\n%s", diff)
	}
}

func TestClaims_Set(t *testing.T) {
	var claims token.Claims
	claims.Set("b", token.String("1"))
	claims.Set("a", token.Int(2))
	claims.Set("b", token.Bool(true))

	assert.Equal(t, 2, claims.Len())
	assert.Equal(t, []string{"b", "a"}, claims.Keys())

	out, err := json.Marshal(claims)
	require.NoError(t, err)
	assert.JSONEq(t, `{"b":true,"a":2}`, string(out))
}

func TestClaims_UnmarshalErrors(t *testing.T) {
	tests := []string{
		`[1,2]`,
		`"text"`,
		`{"a":1} {"b":2}`,
		`{"a":}`,
	}

	for _, doc := range tests {
		t.Run(doc, func(t *testing.T) {
			var claims token.Claims
			assert.Error(t, claims.UnmarshalJSON([]byte(doc)))
		})
	}
}
