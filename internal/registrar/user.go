package registrar

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"sip-registrar/internal/auth"
	"sip-registrar/internal/entity"
	"sip-registrar/internal/protocol"
	"sip-registrar/internal/registry"
	"sip-registrar/internal/routing"
	"sip-registrar/internal/sip"
	"sip-registrar/internal/storage"
)

// dateFormat is the RFC 1123 form SIP uses in the Date header.
const dateFormat = "Mon, 02 Jan 2006 15:04:05 GMT"

// bindingExpired fires when a binding's expiry is reached.
type bindingExpired struct {
	key string
}

// User is the entity of one account.
type User struct {
	r   *Registrar
	log logrus.FieldLogger

	rec    *storage.User
	table  *registry.Table
	timers map[string]*entity.Timer
	armed  bool
}

func newUser(r *Registrar, rec *storage.User) *User {
	return &User{
		r:      r,
		log:    r.log.WithField("user", rec.Username),
		rec:    rec,
		table:  registry.NewTable(rec.Bindings...),
		timers: make(map[string]*entity.Timer),
	}
}

// Receive implements entity.Entity.
func (u *User) Receive(ctx *entity.Context, msg any) {
	if !u.armed {
		// Bindings loaded from the store need their expiry timers.
		for _, b := range u.table.All() {
			u.arm(ctx, b)
		}
		u.armed = true
	}

	switch m := msg.(type) {
	case protocol.AuthCheck:
		u.handleAuthCheck(ctx, m)
	case protocol.Registration:
		u.handleRegistration(ctx, m)
	case protocol.CallSetup:
		u.handleCallSetup(ctx, m)
	case bindingExpired:
		u.handleExpired(ctx, m)
	default:
		u.log.Warnf("Dropping unexpected message %T", msg)
	}
}

func (u *User) handleAuthCheck(ctx *entity.Context, m protocol.AuthCheck) {
	req := m.Request
	method := string(req.Method)
	entry := u.log.WithFields(logrus.Fields{"call_id": req.CallID(), "method": method})

	var err error
	switch req.Method {
	case sip.REGISTER:
		err = auth.Verify(req, auth.Secret{Username: u.rec.Username, HA1: u.rec.Password, Nonce: u.rec.Nonce})
		// Every verification consumes the nonce, successful or not.
		u.rec.Nonce = u.r.cfg.Nonce()
		u.persist(ctx)
	case sip.INVITE:
		err = u.callerRegistered(ctx.Now(), req)
		if err != nil && u.rec.Nonce == "" {
			u.rec.Nonce = u.r.cfg.Nonce()
			u.persist(ctx)
		}
	default:
		err = fmt.Errorf("method %s is not authenticated by the registrar", method)
	}
	u.r.metrics.Auth(method, auth.Reason(err))

	if err == nil {
		entry.Debug("Request authenticated")
		m.Authenticated = true
		if !ctx.Reply(m.Inbound) {
			entry.Warn("Authenticated request has no dialog to return to")
		}
		return
	}

	entry.WithField("reason", auth.Reason(err)).Info("Authentication failed, sending challenge")
	if cseq, perr := sip.ParseCSeq(req.Header.Get("CSeq")); perr == nil {
		ctx.Reply(protocol.Challenged{CSeq: cseq})
	}
	u.r.responder.Respond(m.Inbound, sip.StatusUnauthorized, "", auth.ChallengeField(u.r.cfg.Realm, u.rec.Nonce))
}

// errNotRegistered is the INVITE authentication failure.
var errNotRegistered = fmt.Errorf("%w: caller has no live registration", auth.ErrNoCredentials)

// callerRegistered authenticates an INVITE by the caller's registration:
// the Contact of the request must be bound and live, or, without a usable
// Contact, any binding of the caller must be live.
func (u *User) callerRegistered(now time.Time, req *sip.Request) error {
	contact := sip.ParseUser(req.Header.Get("Contact"))
	if contact.Routable() {
		if u.table.IsLive(contact.Key(), now) {
			return nil
		}
		return errNotRegistered
	}
	if u.table.AnyLive(now) {
		return nil
	}
	return errNotRegistered
}

func (u *User) handleRegistration(ctx *entity.Context, m protocol.Registration) {
	req := m.Request
	now := ctx.Now()
	entry := u.log.WithField("call_id", req.CallID())

	contacts := splitContacts(req.Header.Values("Contact"))
	expires := headerExpires(req.Header.Get("Expires"))

	for _, c := range contacts {
		if c != "*" {
			continue
		}
		if len(contacts) != 1 || expires != 0 {
			u.r.responder.Respond(m.Inbound, sip.StatusBadRequest, "wildcard Contact requires Expires: 0 and no other contacts")
			return
		}
		for key, t := range u.timers {
			t.Stop()
			delete(u.timers, key)
		}
		n := u.table.RemoveAll()
		u.r.metrics.BindingChanges.WithLabelValues("remove").Add(float64(n))
		entry.WithField("removed", n).Info("Removed all bindings")
		u.commit(ctx, m.Inbound, now)
		return
	}

	parsed := make([]sip.User, 0, len(contacts))
	for _, c := range contacts {
		pu := sip.ParseUser(c)
		if !pu.Routable() {
			u.r.responder.Respond(m.Inbound, sip.StatusBadRequest, fmt.Sprintf("Contact %q is not a usable SIP URI", c))
			return
		}
		parsed = append(parsed, pu)
	}

	source := ""
	if m.Reply != nil && m.Reply.GetRemoteAddr() != nil {
		source = m.Reply.GetRemoteAddr().String()
	}
	for _, c := range parsed {
		exp := c.Expires
		if exp < 0 {
			exp = expires
		}
		if exp < 0 {
			exp = u.r.cfg.DefaultExpires
		}
		key := c.Key()
		if exp == 0 {
			if u.table.Remove(key) {
				u.timers[key].Stop()
				delete(u.timers, key)
				u.r.metrics.BindingChanges.WithLabelValues("remove").Inc()
				entry.WithField("device", key).Info("Removed binding")
			}
			continue
		}
		b := registry.NewBinding(c, exp, now)
		b.Source = source
		action := "refresh"
		if u.table.Put(b) {
			action = "add"
		}
		u.arm(ctx, b)
		u.r.metrics.BindingChanges.WithLabelValues(action).Inc()
		entry.WithFields(logrus.Fields{"device": key, "expires": exp}).Infof("Binding %s", action)
	}
	u.commit(ctx, m.Inbound, now)
}

// commit stores the bindings and answers the REGISTER with the live set.
func (u *User) commit(ctx *entity.Context, in protocol.Inbound, now time.Time) {
	if err := u.persist(ctx); err != nil {
		u.r.responder.Respond(in, sip.StatusServerInternalError, "could not store registration")
		return
	}
	live := u.table.Live(now)
	extra := make([]sip.Field, 0, 2)
	if len(live) > 0 {
		contacts := sip.Field{Name: "Contact"}
		for _, b := range live {
			contacts.Values = append(contacts.Values, fmt.Sprintf("<%s>;expires=%d", b.Contact, b.Remaining(now)))
		}
		extra = append(extra, contacts)
	}
	extra = append(extra, sip.Field{Name: "Date", Values: []string{now.UTC().Format(dateFormat)}})
	u.r.responder.Respond(in, sip.StatusOK, "", extra...)
}

func (u *User) handleCallSetup(ctx *entity.Context, m protocol.CallSetup) {
	req := m.Request
	entry := u.log.WithFields(logrus.Fields{"call_id": req.CallID(), "caller": m.Caller})

	if routing.MaxForwards(req) == 0 {
		u.r.metrics.RoutingOutcomes.WithLabelValues("too_many_hops").Inc()
		u.r.responder.Respond(m.Inbound, sip.StatusTooManyHops, "")
		return
	}

	res := routing.Fanout(ctx, u.rec.Username, u.table.All(), req, ctx.Now())
	status := routing.Response(u.rec.Username, res)
	if res.Reached() {
		u.r.metrics.RoutingOutcomes.WithLabelValues("trying").Inc()
		entry.WithField("devices", len(res.Rung)).Info("Routing call")
	} else {
		u.r.metrics.RoutingOutcomes.WithLabelValues("gone").Inc()
		entry.Info("No live binding for callee")
	}
	u.r.responder.Respond(m.Inbound, status.Code, status.Detail)
}

func (u *User) handleExpired(ctx *entity.Context, m bindingExpired) {
	delete(u.timers, m.key)
	if !u.table.Expire(m.key, ctx.Now()) {
		return
	}
	u.r.metrics.BindingChanges.WithLabelValues("expire").Inc()
	u.log.WithField("device", m.key).Info("Binding expired")
	u.persist(ctx)
}

// arm replaces the expiry timer of b.
func (u *User) arm(ctx *entity.Context, b registry.Binding) {
	u.timers[b.Key].Stop()
	d := b.ExpiresAt.Sub(ctx.Now())
	if d < 0 {
		d = 0
	}
	u.timers[b.Key] = ctx.Schedule(d, bindingExpired{key: b.Key})
}

func (u *User) persist(ctx *entity.Context) error {
	u.rec.Bindings = u.table.All()
	if err := u.r.store.SaveUser(ctx, u.rec); err != nil {
		u.log.WithError(err).Error("Failed to save user")
		return err
	}
	return nil
}
