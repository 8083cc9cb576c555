package microsoft

import (
	"context"

	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/users"

	"github.com/Martian-dev/mailmove/internal/connector"
	"github.com/Martian-dev/mailmove/internal/model"
)

// Contacts is the Graph contacts connector over the default contact
// folder. The incremental cursor is a delta link.
type Contacts struct {
	c *Client
}

var _ connector.ContactConnector = (*Contacts)(nil)

func (p *Contacts) ListPage(ctx context.Context, acct *model.Account, pageToken string, maxResults int) (*connector.Page[*model.Contact], error) {
	u, err := p.c.user(ctx, acct)
	if err != nil {
		return nil, err
	}
	var resp models.ContactCollectionResponseable
	if pageToken == "" {
		resp, err = u.Contacts().Get(ctx, &users.ItemContactsRequestBuilderGetRequestConfiguration{
			QueryParameters: &users.ItemContactsRequestBuilderGetQueryParameters{
				Top:   ptr(int32(maxResults)),
				Count: ptr(true),
			},
		})
	} else {
		resp, err = u.Contacts().WithUrl(pageToken).Get(ctx, nil)
	}
	if err != nil {
		return nil, classify("list contacts", err)
	}
	page := &connector.Page[*model.Contact]{
		NextPageToken: deref(resp.GetOdataNextLink()),
		TotalEstimate: deref(resp.GetOdataCount()),
	}
	for _, gc := range resp.GetValue() {
		page.Items = append(page.Items, fromContact(gc))
	}
	return page, nil
}

func (p *Contacts) Get(ctx context.Context, acct *model.Account, id string) (*model.Contact, error) {
	u, err := p.c.user(ctx, acct)
	if err != nil {
		return nil, err
	}
	gc, err := u.Contacts().ByContactId(id).Get(ctx, nil)
	if err != nil {
		return nil, classify("get contact", err)
	}
	return fromContact(gc), nil
}

func (p *Contacts) Create(ctx context.Context, acct *model.Account, c *model.Contact) (string, error) {
	u, err := p.c.user(ctx, acct)
	if err != nil {
		return "", err
	}
	created, err := u.Contacts().Post(ctx, toContact(c), nil)
	if err != nil {
		return "", classify("create contact", err)
	}
	return deref(created.GetId()), nil
}

func (p *Contacts) Update(ctx context.Context, acct *model.Account, id string, c *model.Contact) error {
	u, err := p.c.user(ctx, acct)
	if err != nil {
		return err
	}
	_, err = u.Contacts().ByContactId(id).Patch(ctx, toContact(c), nil)
	return classify("update contact", err)
}

func (p *Contacts) Delete(ctx context.Context, acct *model.Account, id string) error {
	u, err := p.c.user(ctx, acct)
	if err != nil {
		return err
	}
	return classify("delete contact", u.Contacts().ByContactId(id).Delete(ctx, nil))
}

func (p *Contacts) Count(ctx context.Context, acct *model.Account) (int64, error) {
	u, err := p.c.user(ctx, acct)
	if err != nil {
		return 0, err
	}
	resp, err := u.Contacts().Get(ctx, &users.ItemContactsRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemContactsRequestBuilderGetQueryParameters{
			Top:    ptr(int32(1)),
			Select: []string{"id"},
			Count:  ptr(true),
		},
	})
	if err != nil {
		return 0, classify("count contacts", err)
	}
	return deref(resp.GetOdataCount()), nil
}

// IncrementalChanges follows the contacts delta from syncToken. Without a
// token it pages through a fresh delta only to reach the delta link.
func (p *Contacts) IncrementalChanges(ctx context.Context, acct *model.Account, syncToken string) (*connector.Changes[*model.Contact], error) {
	u, err := p.c.user(ctx, acct)
	if err != nil {
		return nil, err
	}
	builder := u.Contacts().Delta()
	changes := &connector.Changes[*model.Contact]{}
	link := syncToken
	for {
		var resp users.ItemContactsDeltaGetResponseable
		if link != "" {
			resp, err = builder.WithUrl(link).GetAsDeltaGetResponse(ctx, nil)
		} else {
			resp, err = builder.GetAsDeltaGetResponse(ctx, nil)
		}
		if err != nil {
			return nil, classify("contact delta", err)
		}
		if syncToken != "" {
			for _, gc := range resp.GetValue() {
				if gone(gc.GetAdditionalData()) {
					changes.DeletedIDs = append(changes.DeletedIDs, deref(gc.GetId()))
					continue
				}
				changes.Modified = append(changes.Modified, fromContact(gc))
			}
		}
		if nl := resp.GetOdataNextLink(); nl != nil && *nl != "" {
			link = *nl
			continue
		}
		changes.NewSyncToken = deref(resp.GetOdataDeltaLink())
		return changes, nil
	}
}

// Graph has three fixed address slots; the canonical labels map onto them.
const (
	addrHome     = "personal"
	addrBusiness = "business"
	addrOther    = "other"
)

func fromContact(gc models.Contactable) *model.Contact {
	c := &model.Contact{
		ID:          deref(gc.GetId()),
		GivenName:   deref(gc.GetGivenName()),
		MiddleName:  deref(gc.GetMiddleName()),
		FamilyName:  deref(gc.GetSurname()),
		DisplayName: deref(gc.GetDisplayName()),
		Nickname:    deref(gc.GetNickName()),
		Company:     deref(gc.GetCompanyName()),
		JobTitle:    deref(gc.GetJobTitle()),
		Department:  deref(gc.GetDepartment()),
		Notes:       deref(gc.GetPersonalNotes()),
		Birthday:    gc.GetBirthday(),
		Groups:      gc.GetCategories(),
	}
	for i, e := range gc.GetEmailAddresses() {
		c.Emails = append(c.Emails, model.ContactEmail{Address: deref(e.GetAddress()), Primary: i == 0})
	}
	if mobile := deref(gc.GetMobilePhone()); mobile != "" {
		c.Phones = append(c.Phones, model.PhoneNumber{Number: mobile, Type: "mobile"})
	}
	for _, n := range gc.GetHomePhones() {
		c.Phones = append(c.Phones, model.PhoneNumber{Number: n, Type: "home"})
	}
	for _, n := range gc.GetBusinessPhones() {
		c.Phones = append(c.Phones, model.PhoneNumber{Number: n, Type: "business"})
	}
	for _, slot := range []struct {
		typ  string
		addr models.PhysicalAddressable
	}{
		{addrHome, gc.GetHomeAddress()},
		{addrBusiness, gc.GetBusinessAddress()},
		{addrOther, gc.GetOtherAddress()},
	} {
		if a := fromPhysical(slot.addr); a != nil {
			a.Type = slot.typ
			c.Addresses = append(c.Addresses, *a)
		}
	}
	return c
}

// toContact builds the Graph contact. Phone labels without a Graph slot
// go to business phones; a second address with the same label is dropped.
func toContact(c *model.Contact) models.Contactable {
	gc := models.NewContact()
	gc.SetGivenName(strPtr(c.GivenName))
	gc.SetMiddleName(strPtr(c.MiddleName))
	gc.SetSurname(strPtr(c.FamilyName))
	gc.SetDisplayName(strPtr(c.DisplayName))
	gc.SetNickName(strPtr(c.Nickname))
	gc.SetCompanyName(strPtr(c.Company))
	gc.SetJobTitle(strPtr(c.JobTitle))
	gc.SetDepartment(strPtr(c.Department))
	gc.SetPersonalNotes(strPtr(c.Notes))
	gc.SetBirthday(c.Birthday)
	if len(c.Groups) > 0 {
		gc.SetCategories(c.Groups)
	}

	emails := make([]models.EmailAddressable, 0, len(c.Emails))
	for _, e := range c.Emails {
		ea := models.NewEmailAddress()
		ea.SetAddress(ptr(e.Address))
		emails = append(emails, ea)
	}
	gc.SetEmailAddresses(emails)

	var home, business []string
	for _, ph := range c.Phones {
		switch ph.Type {
		case "mobile":
			if gc.GetMobilePhone() == nil {
				gc.SetMobilePhone(ptr(ph.Number))
				continue
			}
			business = append(business, ph.Number)
		case "home", "homeFax":
			home = append(home, ph.Number)
		default:
			business = append(business, ph.Number)
		}
	}
	gc.SetHomePhones(home)
	gc.SetBusinessPhones(business)

	for _, a := range c.Addresses {
		pa := toPhysical(a)
		switch a.Type {
		case addrBusiness:
			if gc.GetBusinessAddress() == nil {
				gc.SetBusinessAddress(pa)
			}
		case addrOther:
			if gc.GetOtherAddress() == nil {
				gc.SetOtherAddress(pa)
			}
		default:
			if gc.GetHomeAddress() == nil {
				gc.SetHomeAddress(pa)
			}
		}
	}
	return gc
}

func fromPhysical(pa models.PhysicalAddressable) *model.Address {
	if pa == nil {
		return nil
	}
	a := &model.Address{
		Street:     deref(pa.GetStreet()),
		City:       deref(pa.GetCity()),
		Region:     deref(pa.GetState()),
		PostalCode: deref(pa.GetPostalCode()),
		Country:    deref(pa.GetCountryOrRegion()),
	}
	if *a == (model.Address{}) {
		return nil
	}
	return a
}

func toPhysical(a model.Address) models.PhysicalAddressable {
	pa := models.NewPhysicalAddress()
	street := a.Street
	if street == "" {
		street = a.Formatted
	}
	pa.SetStreet(strPtr(street))
	pa.SetCity(strPtr(a.City))
	pa.SetState(strPtr(a.Region))
	pa.SetPostalCode(strPtr(a.PostalCode))
	pa.SetCountryOrRegion(strPtr(a.Country))
	return pa
}
