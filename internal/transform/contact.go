package transform

import (
	"strings"

	"github.com/Martian-dev/mailmove/internal/model"
)

// UnnamedContact is used when a contact has neither a display name nor any
// name part.
const UnnamedContact = "Unnamed Contact"

// Contact returns a copy of c with email, phone and address labels in
// target's vocabulary and a display name filled in.
func Contact(c *model.Contact, target model.Provider) *model.Contact {
	if c == nil {
		return nil
	}
	out := *c
	out.DisplayName = DisplayName(c)
	out.Groups = cloneStrings(c.Groups)

	out.Emails = make([]model.ContactEmail, 0, len(c.Emails))
	for _, e := range c.Emails {
		e.Type = EmailType(e.Type, target)
		out.Emails = append(out.Emails, e)
	}
	out.Phones = make([]model.PhoneNumber, 0, len(c.Phones))
	for _, p := range c.Phones {
		p.Type = PhoneType(p.Type, target)
		out.Phones = append(out.Phones, p)
	}
	out.Addresses = make([]model.Address, 0, len(c.Addresses))
	for _, a := range c.Addresses {
		a.Type = AddressType(a.Type, target)
		out.Addresses = append(out.Addresses, a)
	}
	return &out
}

// DisplayName returns the explicit display name, or the non-empty name
// parts joined by a space, or UnnamedContact.
func DisplayName(c *model.Contact) string {
	if strings.TrimSpace(c.DisplayName) != "" {
		return c.DisplayName
	}
	var parts []string
	for _, p := range []string{c.GivenName, c.MiddleName, c.FamilyName} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return UnnamedContact
	}
	return strings.Join(parts, " ")
}

// EmailType maps home/work/other to personal/business/other and back.
// Defaults: personal (Microsoft), home (Google).
func EmailType(t string, target model.Provider) string {
	return homeWorkLabel(t, target)
}

// AddressType uses the same vocabulary as EmailType.
func AddressType(t string, target model.Provider) string {
	return homeWorkLabel(t, target)
}

func homeWorkLabel(t string, target model.Provider) string {
	if googleVocabulary(target) {
		switch lower(t) {
		case "personal", "home":
			return "home"
		case "business", "work":
			return "work"
		case "other":
			return "other"
		}
		return "home"
	}
	switch lower(t) {
	case "home", "personal":
		return "personal"
	case "work", "business":
		return "business"
	case "other":
		return "other"
	}
	return "personal"
}

// PhoneType maps phone subtypes. Google side: mobile, home, work, workFax,
// homeFax, pager, other. Microsoft side: mobile, home, business,
// businessFax, homeFax, pager, other. An empty type becomes mobile;
// anything unknown becomes other.
func PhoneType(t string, target model.Provider) string {
	if t == "" {
		return "mobile"
	}
	if googleVocabulary(target) {
		switch lower(t) {
		case "mobile", "cell":
			return "mobile"
		case "home":
			return "home"
		case "business", "work", "main":
			return "work"
		case "businessfax", "workfax", "fax":
			return "workFax"
		case "homefax":
			return "homeFax"
		case "pager":
			return "pager"
		}
		return "other"
	}
	switch lower(t) {
	case "mobile", "cell":
		return "mobile"
	case "home":
		return "home"
	case "work", "main", "business":
		return "business"
	case "fax", "workfax", "businessfax":
		return "businessFax"
	case "homefax":
		return "homeFax"
	case "pager":
		return "pager"
	}
	return "other"
}
