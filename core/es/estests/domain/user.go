// Package domain holds the aggregates the estests suites run against.
package domain

import (
	"fmt"

	"github.com/codewandler/escore/core/es"
)

const (
	UserType           = "UserAggregate"
	UserCreatedType    = "UserCreated"
	UserUpdatedType    = "UserUpdated"
	UserDeactivateType = "UserDeactivated"
	UsersStream        = "users"
)

type (
	User struct {
		Email  string `json:"email"`
		Name   string `json:"name"`
		Active bool   `json:"active"`
	}

	UserCreated struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}

	UserUpdated struct {
		Name string `json:"name"`
	}

	UserDeactivated struct{}
)

// UserAggregate is the apply table of the user aggregate.
func UserAggregate() *es.AggregateType[User] {
	def := es.DefineAggregate(UserType, func() User { return User{} })
	es.On(def, UserCreatedType, func(u User, p UserCreated, _ es.Event) (User, error) {
		if u.Email != "" {
			return u, fmt.Errorf("user already created")
		}
		u.Email, u.Name, u.Active = p.Email, p.Name, true
		return u, nil
	})
	es.On(def, UserUpdatedType, func(u User, p UserUpdated, _ es.Event) (User, error) {
		u.Name = p.Name
		return u, nil
	})
	es.On(def, UserDeactivateType, func(u User, _ UserDeactivated, _ es.Event) (User, error) {
		u.Active = false
		return u, nil
	})
	return def
}

func Created(email, name string) es.PendingEvent {
	return es.MustNewEvent(UserCreatedType, UserCreated{Email: email, Name: name}, es.OnStream(UsersStream))
}

func Updated(name string) es.PendingEvent {
	return es.MustNewEvent(UserUpdatedType, UserUpdated{Name: name}, es.OnStream(UsersStream))
}

func Deactivated() es.PendingEvent {
	return es.MustNewEvent(UserDeactivateType, UserDeactivated{}, es.OnStream(UsersStream))
}
