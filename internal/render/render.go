// Package render substitutes lead variables into message templates.
package render

import (
	"regexp"
	"strings"

	"leadflow/internal/domain"
)

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z]+)\s*\}\}`)

// Vars is the fixed variable set available to templates.
type Vars struct {
	FirstName   string
	LastName    string
	FullName    string
	CompanyName string
	Phone       string
	Email       string
}

// VarsFor builds the variable set for a lead. FullName falls back to "there"
// so greetings like "Hi {{fullName}}" still read naturally.
func VarsFor(l domain.Lead) Vars {
	full := strings.TrimSpace(l.FirstName + " " + l.LastName)
	if full == "" {
		full = "there"
	}
	return Vars{
		FirstName:   l.FirstName,
		LastName:    l.LastName,
		FullName:    full,
		CompanyName: l.CompanyName,
		Phone:       l.Phone,
		Email:       l.Email,
	}
}

func (v Vars) lookup(name string) (string, bool) {
	switch name {
	case "firstName":
		return v.FirstName, true
	case "lastName":
		return v.LastName, true
	case "fullName":
		return v.FullName, true
	case "companyName":
		return v.CompanyName, true
	case "phone":
		return v.Phone, true
	case "email":
		return v.Email, true
	}
	return "", false
}

// Render replaces every {{name}} with its value. Unknown names are left as written.
func Render(tmpl string, v Vars) string {
	return placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := placeholder.FindStringSubmatch(m)[1]
		if val, ok := v.lookup(name); ok {
			return val
		}
		return m
	})
}
