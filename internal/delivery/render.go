package delivery

import (
	"fmt"
	"strings"

	"github.com/albapepper/subwatch/internal/domain"
)

// Message is everything the renderer needs for one notification.
type Message struct {
	Kind         domain.AlertKind
	Renewed      bool // renewal event: the subscription has just auto-renewed
	Subscription domain.Subscription
	Recipient    domain.User
}

// Render builds the subject, email body and SMS text for m.
func Render(m Message) Content {
	s, u := m.Subscription, m.Recipient
	amount := s.Amount.StringFixed(2)
	cycle := strings.ToLower(string(s.BillingCycle))

	var c Content
	switch m.Kind {
	case domain.TrialExpiry:
		c.Subject = fmt.Sprintf("%s Trial Ending Soon", s.Name)
		c.Body = fmt.Sprintf("Your %s trial ends on %s. Subscribe to keep using the service.", s.Name, s.RenewalDate)
		c.Short = fmt.Sprintf("%s trial ends on %s.", s.Name, s.RenewalDate)
	case domain.RenewalReminder:
		if m.Renewed {
			c.Subject = fmt.Sprintf("%s Subscription Renewed", s.Name)
			c.Body = fmt.Sprintf("Your %s subscription auto-renewed for %s (%s). The next renewal date is %s.",
				s.Name, amount, cycle, s.RenewalDate)
			c.Short = fmt.Sprintf("%s auto-renewed. Next renewal %s.", s.Name, s.RenewalDate)
		} else {
			c.Subject = fmt.Sprintf("%s Renewal Reminder", s.Name)
			c.Body = fmt.Sprintf("Your %s subscription renews on %s for %s (%s).", s.Name, s.RenewalDate, amount, cycle)
			c.Short = fmt.Sprintf("%s renews on %s for %s.", s.Name, s.RenewalDate, amount)
		}
	case domain.PaymentDue:
		c.Subject = fmt.Sprintf("%s Payment Due Today", s.Name)
		c.Body = fmt.Sprintf("Your %s payment of %s is due today (%s).", s.Name, amount, s.RenewalDate)
		c.Short = fmt.Sprintf("%s payment of %s due today!", s.Name, amount)
	case domain.Expired:
		what := "subscription"
		if s.Trial {
			what = "trial"
		}
		c.Subject = fmt.Sprintf("%s Subscription Expired", s.Name)
		c.Body = fmt.Sprintf("Your %s %s expired on %s.", s.Name, what, s.RenewalDate)
		c.Short = fmt.Sprintf("%s %s expired on %s.", s.Name, what, s.RenewalDate)
	}

	c.Body = fmt.Sprintf("Hello %s,\n\n%s\n\nThanks,\nSubwatch", greetingName(u), c.Body)
	return c
}

func greetingName(u domain.User) string {
	if u.Name != "" {
		return u.Name
	}
	return "there"
}
