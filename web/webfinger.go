package web

import (
	"fmt"

	"github.com/deemkeen/mammut/db"
	"github.com/deemkeen/mammut/util"
)

type webfingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type"`
	Href string `json:"href"`
}

type webfingerResponse struct {
	Subject string          `json:"subject"`
	Links   []webfingerLink `json:"links"`
}

// GetWebfinger resolves a local username to its actor URI
func GetWebfinger(database *db.DB, user string, conf *util.AppConfig) (error, *webfingerResponse) {
	err, acc := database.ReadAccByUsername(user)
	if err != nil || acc == nil {
		return fmt.Errorf("account not found: %s", user), nil
	}

	return nil, &webfingerResponse{
		Subject: fmt.Sprintf("acct:%s@%s", acc.Username, conf.Conf.SslDomain),
		Links: []webfingerLink{
			{
				Rel:  "self",
				Type: "application/activity+json",
				Href: fmt.Sprintf("https://%s/users/%s", conf.Conf.SslDomain, acc.Username),
			},
		},
	}
}
