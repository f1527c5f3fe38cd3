package config

import "net/http"

type CookieSameSite string

const (
	CookieSameSiteNone   CookieSameSite = "None"
	CookieSameSiteLax    CookieSameSite = "Lax"
	CookieSameSiteStrict CookieSameSite = "Strict"
)

// CookieTemplate carries the pass-through attributes of the session cookies.
type CookieTemplate struct {
	Name     string         `yaml:"name" default:"__Host-AuthToken"`
	MaxAge   int            `yaml:"maxAge" default:"1209600"`
	Path     string         `yaml:"path" default:"/"`
	Domain   string         `yaml:"domain"`
	Secure   bool           `yaml:"secure" default:"true"`
	SameSite CookieSameSite `yaml:"sameSite" default:"Lax"`
	HTTPOnly bool           `yaml:"httpOnly" default:"true"`
}

func (ct *CookieTemplate) ToCookie(value string) *http.Cookie {
	var sameSite http.SameSite
	switch ct.SameSite {
	case CookieSameSiteNone:
		sameSite = http.SameSiteNoneMode
	case CookieSameSiteLax:
		sameSite = http.SameSiteLaxMode
	case CookieSameSiteStrict:
		sameSite = http.SameSiteStrictMode
	}

	return &http.Cookie{
		Name:     ct.Name,
		Value:    value,
		MaxAge:   ct.MaxAge,
		Path:     ct.Path,
		Domain:   ct.Domain,
		Secure:   ct.Secure,
		HttpOnly: ct.HTTPOnly,
		SameSite: sameSite,
	}
}

// ToExpiredCookie returns a cookie that instructs the client to drop name.
func (ct *CookieTemplate) ToExpiredCookie(name string) *http.Cookie {
	c := ct.ToCookie("")
	c.Name = name
	c.MaxAge = -1

	return c
}
