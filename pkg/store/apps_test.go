/*
Copyright 2025 the dstack-verifier authors.

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

package store_test

import (
	"context"
	"database/sql"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-logr/logr"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/dstack-tee/dstack-verifier/pkg/store"
)

var appColumns = []string{
	"id", "config_type", "contract_address", "model", "domain",
	"dstack_version", "custom_user", "is_public", "metadata", "tombstoned",
	"created_at", "updated_at", "last_synced_at",
}

var _ = Describe("App repository", func() {
	var (
		mock sqlmock.Sqlmock
		s    *store.Store
		ctx  context.Context
	)

	BeforeEach(func() {
		db, m, err := sqlmock.New()
		Expect(err).NotTo(HaveOccurred())
		mock = m
		s = store.NewWithDB(sqlx.NewDb(db, "sqlmock"), logr.Discard())
		ctx = context.Background()
	})

	AfterEach(func() {
		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})

	It("upserts an app and clears its tombstone", func() {
		mock.ExpectExec("INSERT INTO apps").
			WithArgs("app-1", string(store.ConfigPhalaCloud), "0xabc",
				sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
				true, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := s.UpsertApp(ctx, &store.App{
			ID:              "app-1",
			ConfigType:      store.ConfigPhalaCloud,
			ContractAddress: "0xabc",
			Domain:          sql.NullString{String: "dstack-prod.phala.network", Valid: true},
			IsPublic:        true,
		})
		Expect(err).NotTo(HaveOccurred())
	})

	It("refuses to tombstone with an empty keep set", func() {
		_, err := s.TombstoneAppsExcept(ctx, nil)
		Expect(err).To(HaveOccurred())
	})

	It("lists live apps only by default", func() {
		now := time.Now().UTC()
		mock.ExpectQuery("SELECT \\* FROM apps WHERE NOT tombstoned").
			WillReturnRows(sqlmock.NewRows(appColumns).
				AddRow("app-1", "phala_cloud", "0xabc", nil, "dstack-prod.phala.network",
					"0.5.3", nil, true, nil, false, now, now, now))

		apps, err := s.ListApps(ctx, false)
		Expect(err).NotTo(HaveOccurred())
		Expect(apps).To(HaveLen(1))
		Expect(apps[0].Domain.String).To(Equal("dstack-prod.phala.network"))
		Expect(apps[0].IsPublic).To(BeTrue())
	})

	It("reports ErrNotFound for a missing app", func() {
		mock.ExpectQuery("SELECT \\* FROM apps WHERE id").
			WithArgs("nope").
			WillReturnRows(sqlmock.NewRows(appColumns))

		_, err := s.GetApp(ctx, "nope")
		Expect(err).To(MatchError(store.ErrNotFound))
	})

	It("upserts a profile keyed by entity", func() {
		mock.ExpectExec("INSERT INTO profiles").
			WithArgs(sqlmock.AnyArg(), string(store.EntityUser), int64(7),
				"Alice", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		p := &store.Profile{
			EntityType:  store.EntityUser,
			EntityID:    7,
			DisplayName: sql.NullString{String: "Alice", Valid: true},
		}
		Expect(s.UpsertProfile(ctx, p)).To(Succeed())
		Expect(p.ID).NotTo(BeZero())
	})
})
