package jmapapi

import "encoding/json"

// JMAP capability URIs (RFC 8620, RFC 8621).
const (
	coreCapability = "urn:ietf:params:jmap:core"
	mailCapability = "urn:ietf:params:jmap:mail"
)

// wellKnownPath is the autodiscovery path for the session resource.
const wellKnownPath = "/.well-known/jmap"

// Id is a JMAP identifier string.
type Id string

// Session is the JMAP session resource (RFC 8620 section 2).
type Session struct {
	Capabilities    map[string]json.RawMessage `json:"capabilities"`
	Accounts        map[Id]Account             `json:"accounts"`
	PrimaryAccounts map[string]Id              `json:"primaryAccounts"`
	Username        string                     `json:"username"`
	APIURL          string                     `json:"apiUrl"`
	DownloadURL     string                     `json:"downloadUrl"`
	State           string                     `json:"state"`
}

// Account describes one account available in the session.
type Account struct {
	Name       string `json:"name"`
	IsPersonal bool   `json:"isPersonal"`
	IsReadOnly bool   `json:"isReadOnly"`
}

// Request is one JMAP API request.
type Request struct {
	Using       []string     `json:"using"`
	MethodCalls []MethodCall `json:"methodCalls"`
}

// MethodCall is a [name, arguments, call id] triple.
type MethodCall struct {
	Name string
	Args any
	ID   string
}

func (m MethodCall) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{m.Name, m.Args, m.ID})
}

func (m *MethodCall) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	if len(parts) >= 1 {
		if err := json.Unmarshal(parts[0], &m.Name); err != nil {
			return err
		}
	}
	if len(parts) >= 2 {
		var args any
		if err := json.Unmarshal(parts[1], &args); err != nil {
			return err
		}
		m.Args = args
	}
	if len(parts) >= 3 {
		if err := json.Unmarshal(parts[2], &m.ID); err != nil {
			return err
		}
	}
	return nil
}

// Response is one JMAP API response.
type Response struct {
	MethodResponses []MethodResponse `json:"methodResponses"`
	SessionState    string           `json:"sessionState"`
}

// MethodResponse is a [name, arguments, call id] triple with the
// arguments left raw until the caller knows the expected shape.
type MethodResponse struct {
	Name string
	Args json.RawMessage
	ID   string
}

func (m *MethodResponse) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	if len(parts) >= 1 {
		if err := json.Unmarshal(parts[0], &m.Name); err != nil {
			return err
		}
	}
	if len(parts) >= 2 {
		m.Args = parts[1]
	}
	if len(parts) >= 3 {
		if err := json.Unmarshal(parts[2], &m.ID); err != nil {
			return err
		}
	}
	return nil
}

// MethodError is the arguments shape of an "error" method response.
type MethodError struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// Mailbox is a JMAP mailbox object.
type Mailbox struct {
	Id           Id      `json:"id"`
	Name         string  `json:"name"`
	ParentId     *Id     `json:"parentId"`
	Role         *string `json:"role"`
	TotalEmails  uint32  `json:"totalEmails"`
	UnreadEmails uint32  `json:"unreadEmails"`
}

// Email is a JMAP email object restricted to the metadata properties
// this backend requests.
type Email struct {
	Id         Id              `json:"id"`
	BlobId     Id              `json:"blobId"`
	MailboxIds map[Id]bool     `json:"mailboxIds"`
	Keywords   map[string]bool `json:"keywords"`
	Size       int64           `json:"size"`
	ReceivedAt string          `json:"receivedAt"`
	MessageId  []string        `json:"messageId"`
	InReplyTo  []string        `json:"inReplyTo"`
	References []string        `json:"references"`
	From       []EmailAddress  `json:"from"`
	To         []EmailAddress  `json:"to"`
	Cc         []EmailAddress  `json:"cc"`
	Subject    string          `json:"subject"`
	SentAt     string          `json:"sentAt"`
}

// EmailAddress is an address with an optional display name.
type EmailAddress struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// GetMailboxesResponse is the Mailbox/get response arguments.
type GetMailboxesResponse struct {
	AccountId Id        `json:"accountId"`
	State     string    `json:"state"`
	List      []Mailbox `json:"list"`
	NotFound  []Id      `json:"notFound"`
}

// QueryEmailsResponse is the Email/query response arguments.
type QueryEmailsResponse struct {
	AccountId  Id     `json:"accountId"`
	QueryState string `json:"queryState"`
	Ids        []Id   `json:"ids"`
	Total      uint32 `json:"total"`
}

// GetEmailsResponse is the Email/get response arguments. NotFound
// reports per-id misses; they never fail the whole request.
type GetEmailsResponse struct {
	AccountId Id      `json:"accountId"`
	State     string  `json:"state"`
	List      []Email `json:"list"`
	NotFound  []Id    `json:"notFound"`
}

// ChangesResponse is the Email/changes response arguments.
type ChangesResponse struct {
	AccountId      Id     `json:"accountId"`
	OldState       string `json:"oldState"`
	NewState       string `json:"newState"`
	HasMoreChanges bool   `json:"hasMoreChanges"`
	Created        []Id   `json:"created"`
	Updated        []Id   `json:"updated"`
	Destroyed      []Id   `json:"destroyed"`
}

// SetEmailsResponse is the Email/set response arguments.
type SetEmailsResponse struct {
	AccountId    Id                     `json:"accountId"`
	NewState     string                 `json:"newState"`
	Updated      map[Id]json.RawMessage `json:"updated"`
	Destroyed    []Id                   `json:"destroyed"`
	NotUpdated   map[Id]MethodError     `json:"notUpdated"`
	NotDestroyed map[Id]MethodError     `json:"notDestroyed"`
}
