package isolation_test

import (
	"context"
	"regexp"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"coldwatch.dev/telemetry/internal/isolation"
	"coldwatch.dev/telemetry/internal/store"
	"coldwatch.dev/telemetry/internal/tenant"
	"coldwatch.dev/telemetry/pkg/errs"
)

var _ = Describe("Enforcer", func() {
	var (
		enforcer *isolation.Enforcer
		orgA     uuid.UUID
		orgB     uuid.UUID
	)

	BeforeEach(func() {
		enforcer = isolation.NewEnforcer()
		orgA = uuid.New()
		orgB = uuid.New()
	})

	ctxFor := func(org uuid.UUID, role tenant.Role) context.Context {
		return tenant.WithContext(context.Background(), tenant.Context{
			TenantID: org,
			UserID:   uuid.New(),
			Role:     role,
		})
	}

	Describe("Authorize", func() {
		It("should require an established tenant context", func() {
			err := enforcer.Authorize(context.Background(), isolation.EntityReading, isolation.ActionCreate, orgA)
			Expect(errs.IsKind(err, errs.KindAuthorization)).To(BeTrue())
		})

		It("should refuse writes into another tenant", func() {
			err := enforcer.Authorize(ctxFor(orgA, tenant.RoleManager), isolation.EntityReading, isolation.ActionCreate, orgB)
			Expect(errs.IsPermission(err)).To(BeTrue())
		})

		It("should let admins write across tenants", func() {
			err := enforcer.Authorize(ctxFor(orgA, tenant.RoleAdmin), isolation.EntitySensor, isolation.ActionUpdate, orgB)
			Expect(err).NotTo(HaveOccurred())
		})

		It("should apply the role policy within the tenant", func() {
			err := enforcer.Authorize(ctxFor(orgA, tenant.RoleViewer), isolation.EntitySensor, isolation.ActionCreate, orgA)
			Expect(errs.IsPermission(err)).To(BeTrue())

			err = enforcer.Authorize(ctxFor(orgA, tenant.RoleOperator), isolation.EntitySensor, isolation.ActionCreate, orgA)
			Expect(err).NotTo(HaveOccurred())
		})

		It("should let every role record readings for its own tenant", func() {
			for _, role := range []tenant.Role{tenant.RoleAdmin, tenant.RoleManager, tenant.RoleOperator, tenant.RoleViewer} {
				err := enforcer.Authorize(ctxFor(orgA, role), isolation.EntityReading, isolation.ActionCreate, orgA)
				Expect(err).NotTo(HaveOccurred(), string(role))
			}
		})

		It("should restrict organization creation to admins", func() {
			err := enforcer.Authorize(ctxFor(orgA, tenant.RoleManager), isolation.EntityOrganization, isolation.ActionCreate, orgA)
			Expect(errs.IsPermission(err)).To(BeTrue())
		})

		It("should deny actions without a policy", func() {
			err := enforcer.Authorize(ctxFor(orgA, tenant.RoleAdmin), isolation.EntitySensor, isolation.ActionDelete, orgA)
			Expect(errs.IsPermission(err)).To(BeTrue())
		})

		It("should always permit audit insertion", func() {
			err := enforcer.Authorize(context.Background(), isolation.EntityAudit, isolation.ActionCreate, orgA)
			Expect(err).NotTo(HaveOccurred())
		})
	})

	Describe("CanAccess", func() {
		It("should confine non-admins to their own tenant", func() {
			tc := tenant.Context{TenantID: orgA, Role: tenant.RoleManager}
			Expect(enforcer.CanAccess(tc, orgA)).To(BeTrue())
			Expect(enforcer.CanAccess(tc, orgB)).To(BeFalse())
		})

		It("should let admins access any tenant", func() {
			tc := tenant.Context{TenantID: orgA, Role: tenant.RoleAdmin}
			Expect(enforcer.CanAccess(tc, orgB)).To(BeTrue())
		})
	})

	Describe("Scope", func() {
		var (
			db   *gorm.DB
			mock sqlmock.Sqlmock
		)

		BeforeEach(func() {
			sqlDB, m, err := sqlmock.New()
			Expect(err).NotTo(HaveOccurred())
			mock = m

			db, err = gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{})
			Expect(err).NotTo(HaveOccurred())
		})

		AfterEach(func() {
			Expect(mock.ExpectationsWereMet()).To(Succeed())
		})

		It("should add the tenant predicate for non-admin reads", func() {
			mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "sensors" WHERE organization_id = $1`)).
				WithArgs(orgA).
				WillReturnRows(sqlmock.NewRows([]string{"id"}))

			scoped, err := enforcer.Scope(ctxFor(orgA, tenant.RoleOperator), db)
			Expect(err).NotTo(HaveOccurred())

			var sensors []store.Sensor
			Expect(scoped.Find(&sensors).Error).To(Succeed())
		})

		It("should leave admin reads unfiltered", func() {
			mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "sensors"`)).
				WillReturnRows(sqlmock.NewRows([]string{"id"}))

			scoped, err := enforcer.Scope(ctxFor(orgA, tenant.RoleAdmin), db)
			Expect(err).NotTo(HaveOccurred())

			var sensors []store.Sensor
			Expect(scoped.Find(&sensors).Error).To(Succeed())
		})

		It("should fail without a tenant context", func() {
			_, err := enforcer.Scope(context.Background(), db)
			Expect(errs.IsKind(err, errs.KindAuthorization)).To(BeTrue())
		})
	})

	Describe("RegisterPartition", func() {
		It("should track partitions created after startup as scoped relations", func() {
			Expect(enforcer.IsScopedRelation("readings_2025_07")).To(BeFalse())
			enforcer.RegisterPartition("readings_2025_07")
			Expect(enforcer.IsScopedRelation("readings_2025_07")).To(BeTrue())
		})

		It("should scope the base relations by default", func() {
			Expect(enforcer.IsScopedRelation(isolation.EntityReading)).To(BeTrue())
			Expect(enforcer.IsScopedRelation(isolation.EntitySensor)).To(BeTrue())
			Expect(enforcer.IsScopedRelation(isolation.EntityOrganization)).To(BeFalse())
		})
	})
})
