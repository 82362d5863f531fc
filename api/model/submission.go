/*
Copyright 2026 The kra-vscu-microservice Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package model

import (
	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/Solvitwithus/kra-vscu-microservice/model"
)

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// ListSubmissions is the query string of GET /submissions.
type ListSubmissions struct {
	Status string `form:"status"`
	Kind   string `form:"kind"`
	Limit  int    `form:"limit"`
	Offset int    `form:"offset"`
}

func (l *ListSubmissions) ValidateListSubmissions() error {
	return validation.ValidateStruct(l,
		validation.Field(&l.Status, validation.In(
			string(model.StatusReceived), string(model.StatusProcessing),
			string(model.StatusTransmitted), string(model.StatusFailed))),
		validation.Field(&l.Kind, validation.In(
			string(model.KindSale), string(model.KindStockMaster), string(model.KindItem))),
		validation.Field(&l.Limit, validation.Min(0), validation.Max(MaxListLimit)),
		validation.Field(&l.Offset, validation.Min(0)),
	)
}

func (l *ListSubmissions) ToSubmissionFilter() model.SubmissionFilter {
	limit := l.Limit
	if limit == 0 {
		limit = DefaultListLimit
	}
	return model.SubmissionFilter{
		Status: model.Status(l.Status),
		Kind:   model.DocumentKind(l.Kind),
		Limit:  limit,
		Offset: l.Offset,
	}
}
