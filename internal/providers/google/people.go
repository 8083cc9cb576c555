package google

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/api/people/v1"

	"github.com/Martian-dev/mailmove/internal/connector"
	"github.com/Martian-dev/mailmove/internal/model"
)

const (
	me           = "people/me"
	personFields = "names,nicknames,emailAddresses,phoneNumbers,addresses,organizations,birthdays,biographies,photos,memberships,metadata"
	updateFields = "names,nicknames,emailAddresses,phoneNumbers,addresses,organizations,birthdays,biographies"
)

// Contacts is the People API contact connector. Contact ids are resource
// names ("people/c123"); the incremental cursor is a People sync token.
type Contacts struct {
	c *Client
}

var _ connector.ContactConnector = (*Contacts)(nil)

func (p *Contacts) service(ctx context.Context, acct *model.Account) (*people.Service, error) {
	svc, err := people.NewService(ctx, p.c.options(ctx, acct)...)
	if err != nil {
		return nil, connector.E(connector.KindPermanent, "people", fmt.Errorf("create People service: %w", err))
	}
	return svc, nil
}

// ListPage lists one page of connections. The last page carries the sync
// token.
func (p *Contacts) ListPage(ctx context.Context, acct *model.Account, pageToken string, maxResults int) (*connector.Page[*model.Contact], error) {
	svc, err := p.service(ctx, acct)
	if err != nil {
		return nil, err
	}
	call := svc.People.Connections.List(me).
		PersonFields(personFields).
		PageSize(int64(maxResults)).
		RequestSyncToken(true).
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	resp, err := call.Do()
	if err != nil {
		return nil, classify("list contacts", err)
	}
	page := &connector.Page[*model.Contact]{
		NextPageToken: resp.NextPageToken,
		SyncToken:     resp.NextSyncToken,
		TotalEstimate: resp.TotalItems,
	}
	for _, person := range resp.Connections {
		page.Items = append(page.Items, fromPerson(person))
	}
	return page, nil
}

func (p *Contacts) Get(ctx context.Context, acct *model.Account, id string) (*model.Contact, error) {
	svc, err := p.service(ctx, acct)
	if err != nil {
		return nil, err
	}
	person, err := svc.People.Get(id).PersonFields(personFields).Context(ctx).Do()
	if err != nil {
		return nil, classify("get contact", err)
	}
	return fromPerson(person), nil
}

func (p *Contacts) Create(ctx context.Context, acct *model.Account, c *model.Contact) (string, error) {
	svc, err := p.service(ctx, acct)
	if err != nil {
		return "", err
	}
	created, err := svc.People.CreateContact(toPerson(c)).Context(ctx).Do()
	if err != nil {
		return "", classify("create contact", err)
	}
	return created.ResourceName, nil
}

// Update replaces the contact's fields. People requires the current etag,
// so the contact is read first.
func (p *Contacts) Update(ctx context.Context, acct *model.Account, id string, c *model.Contact) error {
	svc, err := p.service(ctx, acct)
	if err != nil {
		return err
	}
	current, err := svc.People.Get(id).PersonFields("metadata").Context(ctx).Do()
	if err != nil {
		return classify("get contact", err)
	}
	person := toPerson(c)
	person.Etag = current.Etag
	_, err = svc.People.UpdateContact(id, person).UpdatePersonFields(updateFields).Context(ctx).Do()
	return classify("update contact", err)
}

func (p *Contacts) Delete(ctx context.Context, acct *model.Account, id string) error {
	svc, err := p.service(ctx, acct)
	if err != nil {
		return err
	}
	_, err = svc.People.DeleteContact(id).Context(ctx).Do()
	return classify("delete contact", err)
}

func (p *Contacts) Count(ctx context.Context, acct *model.Account) (int64, error) {
	svc, err := p.service(ctx, acct)
	if err != nil {
		return 0, err
	}
	resp, err := svc.People.Connections.List(me).PersonFields("metadata").PageSize(1).Context(ctx).Do()
	if err != nil {
		return 0, classify("count contacts", err)
	}
	return resp.TotalItems, nil
}

// IncrementalChanges lists connections changed since syncToken. People does
// not tell additions from edits, so everything lands in Modified; deleted
// contacts come back flagged in their metadata.
func (p *Contacts) IncrementalChanges(ctx context.Context, acct *model.Account, syncToken string) (*connector.Changes[*model.Contact], error) {
	svc, err := p.service(ctx, acct)
	if err != nil {
		return nil, err
	}

	fields := personFields
	if syncToken == "" {
		// only the cursor is wanted
		fields = "metadata"
	}
	call := svc.People.Connections.List(me).
		PersonFields(fields).
		PageSize(1000).
		RequestSyncToken(true)
	if syncToken != "" {
		call = call.SyncToken(syncToken)
	}

	changes := &connector.Changes[*model.Contact]{}
	err = call.Pages(ctx, func(resp *people.ListConnectionsResponse) error {
		if resp.NextSyncToken != "" {
			changes.NewSyncToken = resp.NextSyncToken
		}
		if syncToken == "" {
			return nil
		}
		for _, person := range resp.Connections {
			if person.Metadata != nil && person.Metadata.Deleted {
				changes.DeletedIDs = append(changes.DeletedIDs, person.ResourceName)
				continue
			}
			changes.Modified = append(changes.Modified, fromPerson(person))
		}
		return nil
	})
	if err != nil {
		return nil, classify("contact changes", err)
	}
	return changes, nil
}

func fromPerson(p *people.Person) *model.Contact {
	c := &model.Contact{ID: p.ResourceName, ETag: p.Etag}
	if len(p.Names) > 0 {
		n := p.Names[0]
		c.GivenName = n.GivenName
		c.MiddleName = n.MiddleName
		c.FamilyName = n.FamilyName
		c.DisplayName = n.DisplayName
	}
	if len(p.Nicknames) > 0 {
		c.Nickname = p.Nicknames[0].Value
	}
	for _, e := range p.EmailAddresses {
		c.Emails = append(c.Emails, model.ContactEmail{Address: e.Value, Type: e.Type, Primary: primary(e.Metadata)})
	}
	for _, ph := range p.PhoneNumbers {
		c.Phones = append(c.Phones, model.PhoneNumber{Number: ph.Value, Type: ph.Type, Primary: primary(ph.Metadata)})
	}
	for _, a := range p.Addresses {
		c.Addresses = append(c.Addresses, model.Address{
			Street:     a.StreetAddress,
			City:       a.City,
			Region:     a.Region,
			PostalCode: a.PostalCode,
			Country:    a.Country,
			Formatted:  a.FormattedValue,
			Type:       a.Type,
		})
	}
	if len(p.Organizations) > 0 {
		o := p.Organizations[0]
		c.Company = o.Name
		c.JobTitle = o.Title
		c.Department = o.Department
	}
	for _, b := range p.Birthdays {
		if b.Date != nil && b.Date.Month > 0 && b.Date.Day > 0 {
			t := time.Date(int(b.Date.Year), time.Month(b.Date.Month), int(b.Date.Day), 0, 0, 0, 0, time.UTC)
			c.Birthday = &t
			break
		}
	}
	if len(p.Biographies) > 0 {
		c.Notes = p.Biographies[0].Value
	}
	if len(p.Photos) > 0 && !p.Photos[0].Default {
		c.PhotoURL = p.Photos[0].Url
	}
	for _, m := range p.Memberships {
		if m.ContactGroupMembership != nil {
			c.Groups = append(c.Groups, m.ContactGroupMembership.ContactGroupResourceName)
		}
	}
	return c
}

// toPerson builds the writable part of a person. Group memberships and
// photos are not written.
func toPerson(c *model.Contact) *people.Person {
	p := &people.Person{}
	if c.GivenName != "" || c.FamilyName != "" || c.MiddleName != "" || c.DisplayName != "" {
		p.Names = []*people.Name{{
			GivenName:        c.GivenName,
			MiddleName:       c.MiddleName,
			FamilyName:       c.FamilyName,
			UnstructuredName: c.DisplayName,
		}}
	}
	if c.Nickname != "" {
		p.Nicknames = []*people.Nickname{{Value: c.Nickname}}
	}
	for _, e := range c.Emails {
		p.EmailAddresses = append(p.EmailAddresses, &people.EmailAddress{Value: e.Address, Type: e.Type})
	}
	for _, ph := range c.Phones {
		p.PhoneNumbers = append(p.PhoneNumbers, &people.PhoneNumber{Value: ph.Number, Type: ph.Type})
	}
	for _, a := range c.Addresses {
		p.Addresses = append(p.Addresses, &people.Address{
			StreetAddress:  a.Street,
			City:           a.City,
			Region:         a.Region,
			PostalCode:     a.PostalCode,
			Country:        a.Country,
			FormattedValue: a.Formatted,
			Type:           a.Type,
		})
	}
	if c.Company != "" || c.JobTitle != "" || c.Department != "" {
		p.Organizations = []*people.Organization{{Name: c.Company, Title: c.JobTitle, Department: c.Department}}
	}
	if c.Birthday != nil {
		b := c.Birthday.UTC()
		p.Birthdays = []*people.Birthday{{Date: &people.Date{
			Year:  int64(b.Year()),
			Month: int64(b.Month()),
			Day:   int64(b.Day()),
		}}}
	}
	if c.Notes != "" {
		p.Biographies = []*people.Biography{{Value: c.Notes, ContentType: "TEXT_PLAIN"}}
	}
	return p
}

func primary(m *people.FieldMetadata) bool {
	return m != nil && m.Primary
}
