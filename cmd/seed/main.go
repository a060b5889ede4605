package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/auth"
	"github.com/hackgods/clinic-scheduling/internal/db"
	"github.com/hackgods/clinic-scheduling/internal/logging"
)

var specialties = []string{
	"Kinesiología",
	"Psicología",
	"Nutrición",
	"Fonoaudiología",
	"Terapia Ocupacional",
	"Psicopedagogía",
}

var paymentMethods = []string{"Presencial", "Transferencia", "Tarjeta"}

func main() {
	logger := logging.New(getEnv("APP_ENV", "dev"), "info")
	logger.Info().Msg("seed starting")

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		logger.Fatal().Msg("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn, 4)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	faker := gofakeit.New(uint64(time.Now().UnixNano()))
	hasher := auth.NewBcryptHasher(0)

	snap, err := buildSnapshot(faker, hasher, seedSize{
		specialists:  getInt("SEED_SPECIALISTS", 6),
		patients:     getInt("SEED_PATIENTS", 300),
		appointments: getInt("SEED_APPOINTMENTS", 400),
		password:     getEnv("SEED_PASSWORD", "cambiar123"),
	}, time.Now())
	if err != nil {
		logger.Fatal().Err(err).Msg("build seed data")
	}

	if err := appointment.NewPgRepository(pool).SaveSnapshot(ctx, snap); err != nil {
		logger.Fatal().Err(err).Msg("save seed data")
	}

	logger.Info().
		Int("specialists", len(snap.Specialists)).
		Int("patients", len(snap.Patients)).
		Int("services", len(snap.Services)).
		Int("users", len(snap.Users)).
		Int("appointments", len(snap.Appointments)).
		Msg("seed complete")
}

type seedSize struct {
	specialists  int
	patients     int
	appointments int
	password     string
}

// buildSnapshot fakes a clinic around now: a team, a catalogue, patients, one
// admin, one coordinator, one professional user per specialist, and
// appointments spread over the previous, current and next week.
func buildSnapshot(f *gofakeit.Faker, hasher auth.BcryptHasher, size seedSize, now time.Time) (appointment.Snapshot, error) {
	var snap appointment.Snapshot

	for i := 0; i < size.specialists; i++ {
		status := appointment.SpecialistActive
		if i > 0 && i%5 == 0 {
			status = appointment.SpecialistInactive
		}
		snap.Specialists = append(snap.Specialists, appointment.Specialist{
			ID:        fmt.Sprintf("SP-%03d", i+1),
			Name:      f.Name(),
			Specialty: specialties[i%len(specialties)],
			Color:     f.HexColor(),
			Status:    status,
		})
	}

	for i, name := range []string{"Evaluación inicial", "Sesión individual", "Sesión grupal", "Control"} {
		snap.Services = append(snap.Services, appointment.ClinicService{
			ID:    fmt.Sprintf("SRV-%03d", i+1),
			Name:  name,
			Price: int64(f.Number(15, 45)) * 1000,
		})
	}

	for i := 0; i < size.patients; i++ {
		snap.Patients = append(snap.Patients, appointment.Patient{
			ID:            fmt.Sprintf("CLI-%05d", i+1),
			FullName:      f.FirstName() + " " + f.LastName() + " " + f.LastName(),
			Email:         f.Email(),
			Phone:         f.Phone(),
			Address:       f.Street(),
			Commune:       f.City(),
			HealthInsurer: f.RandomString([]string{"FONASA", "Isapre Colmena", "Isapre Cruz Blanca", "Particular"}),
			NationalID:    fmt.Sprintf("%d-%d", f.Number(5_000_000, 25_000_000), f.Number(0, 9)),
			BirthDate:     f.DateRange(now.AddDate(-80, 0, 0), now.AddDate(-3, 0, 0)).Format("2006-01-02"),
		})
	}

	hash, err := hasher.Hash(size.password)
	if err != nil {
		return snap, err
	}
	snap.Users = append(snap.Users,
		appointment.User{Email: "admin@clinica.test", Role: string(appointment.RoleAdministrator), PasswordHash: hash},
		appointment.User{Email: "coordinacion@clinica.test", Role: string(appointment.RoleCoordinator), PasswordHash: hash},
	)
	for i, sp := range snap.Specialists {
		snap.Users = append(snap.Users, appointment.User{
			Email:              fmt.Sprintf("profesional%d@clinica.test", i+1),
			Role:               string(appointment.RoleProfessional),
			LinkedSpecialistID: sp.ID,
			PasswordHash:       hash,
		})
	}

	if len(snap.Specialists) == 0 || len(snap.Patients) == 0 {
		return snap, nil
	}

	monday := appointment.WeekStart(now).AddDate(0, 0, -7)
	for i := 0; i < size.appointments; i++ {
		sp := snap.Specialists[f.Number(0, len(snap.Specialists)-1)]
		date := monday.AddDate(0, 0, f.Number(0, 20)).Format("2006-01-02")
		clock := fmt.Sprintf("%02d:00", f.Number(appointment.DefaultStartHour, appointment.DefaultEndHour))

		a := appointment.Appointment{
			ID:            uuid.Must(uuid.NewV7()).String(),
			SpecialistID:  sp.ID,
			Date:          date,
			Time:          clock,
			PaymentMethod: appointment.DefaultPaymentMethod,
		}
		if f.Number(1, 10) == 1 {
			a.PatientID = appointment.SystemPatientID
			a.Status = appointment.StatusBlocked
			a.Observations = "Bloqueo de agenda"
		} else {
			svc := snap.Services[f.Number(0, len(snap.Services)-1)]
			a.PatientID = snap.Patients[f.Number(0, len(snap.Patients)-1)].ID
			a.ServiceID = svc.ID
			a.Total = svc.Price
			a.Status = appointment.Status(f.RandomInt([]int{1, 1, 1, 2, 4, 5}))
			a.PaymentMethod = paymentMethods[f.Number(0, len(paymentMethods)-1)]
		}
		snap.Appointments = append(snap.Appointments, a)
	}

	return snap, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}
