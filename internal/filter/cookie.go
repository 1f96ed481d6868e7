package filter

import "net/http"

// StateCookie describes the cookie the Authenticator issues while a login
// redirect is in flight.
type StateCookie struct {
	Name     string
	Secure   bool
	HttpOnly bool
}

// hasStateCookie reports whether the request carries the state cookie.
func (f *Filter) hasStateCookie(r *http.Request) bool {
	_, err := r.Cookie(f.opts.StateCookie.Name)
	return err == nil
}

// resetStateCookie expires the state cookie on the client, reusing the flags
// it was issued with.
func (f *Filter) resetStateCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     f.opts.StateCookie.Name,
		Value:    "",
		Path:     f.opts.ContextPath,
		MaxAge:   -1,
		Secure:   f.opts.StateCookie.Secure,
		HttpOnly: f.opts.StateCookie.HttpOnly,
	})
}
