package federated

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/tidwall/gjson"

	"github.com/onnwee/stampede/client/session"
)

// Profiles reads and creates rows of the PostgREST users table, keyed by email.
// Requests carry the signed-in user's access token when there is one.
type Profiles struct {
	Client *Client
}

// Lookup returns the profile for email, or nil, nil when there is none.
func (p *Profiles) Lookup(ctx context.Context, email string) (*session.Identity, error) {
	q := url.Values{}
	q.Set("select", "id,email,name,pay_status")
	q.Set("email", "eq."+email)
	q.Set("limit", "1")
	b, err := p.Client.do(ctx, http.MethodGet, "/rest/v1/users?"+q.Encode(), p.bearer(), nil, nil)
	if err != nil {
		return nil, err
	}
	rows := gjson.ParseBytes(b)
	if !rows.IsArray() {
		return nil, errors.New("users lookup: expected array")
	}
	if len(rows.Array()) == 0 {
		return nil, nil
	}
	return identityFrom(rows.Array()[0]), nil
}

// Create inserts a default profile (pay_status false) and returns the stored row.
func (p *Profiles) Create(ctx context.Context, email, name string) (*session.Identity, error) {
	h := http.Header{}
	h.Set("Prefer", "return=representation")
	row := map[string]any{"email": email, "name": name, "pay_status": false}
	b, err := p.Client.do(ctx, http.MethodPost, "/rest/v1/users", p.bearer(), row, h)
	if err != nil {
		return nil, err
	}
	doc := gjson.ParseBytes(b)
	if doc.IsArray() {
		if len(doc.Array()) == 0 {
			return &session.Identity{Email: email, Name: name}, nil
		}
		doc = doc.Array()[0]
	}
	return identityFrom(doc), nil
}

func (p *Profiles) bearer() string {
	if cur := p.Client.Current(); cur != nil {
		return cur.AccessToken
	}
	return ""
}

func identityFrom(r gjson.Result) *session.Identity {
	return &session.Identity{
		ID:        r.Get("id").String(),
		Email:     r.Get("email").String(),
		Name:      r.Get("name").String(),
		PayStatus: r.Get("pay_status").Bool(),
	}
}
