// Package generator produces synthetic tenants, sensors, and physically
// plausible measurement streams for seeding and load simulation.
package generator

import (
	"math"
	"math/rand"
	"time"

	"github.com/brianvoe/gofakeit/v7"
)

// OrganizationProfile is a synthetic tenant.
type OrganizationProfile struct {
	Name     string `fake:"{company}"`
	Slug     string `fake:"{uuid}"`
	Timezone string `fake:"{timezone}"`
}

// LocationProfile is a synthetic monitored location. The threshold bounds
// are filled by NewLocationProfile, not by tags, so min stays below max.
type LocationProfile struct {
	Name           string `fake:"{streetname}"`
	Zone           string `fake:"{word}"`
	LocationType   string
	TemperatureMin float64
	TemperatureMax float64
	HumidityMin    float64
	HumidityMax    float64
}

// SensorProfile is a synthetic device.
type SensorProfile struct {
	DeviceID   string `fake:"{uuid}"`
	Name       string `fake:"{animal}"`
	SensorType string
}

// NewOrganizationProfile generates a synthetic tenant.
func NewOrganizationProfile() *OrganizationProfile {
	var org OrganizationProfile
	if err := gofakeit.Struct(&org); err != nil {
		return nil
	}
	return &org
}

// NewLocationProfile generates a location with cold-chain style thresholds.
func NewLocationProfile() *LocationProfile {
	var loc LocationProfile
	if err := gofakeit.Struct(&loc); err != nil {
		return nil
	}

	kinds := []string{"cold_storage", "freezer", "prep_area", "dry_storage"}
	loc.LocationType = kinds[rand.Intn(len(kinds))]

	switch loc.LocationType {
	case "freezer":
		loc.TemperatureMin = -25
		loc.TemperatureMax = -15
	case "cold_storage":
		loc.TemperatureMin = 0
		loc.TemperatureMax = 6
	default:
		loc.TemperatureMin = 10
		loc.TemperatureMax = 25
	}
	loc.HumidityMin = 30
	loc.HumidityMax = 70
	return &loc
}

// NewSensorProfile generates a synthetic device.
func NewSensorProfile() *SensorProfile {
	var sensor SensorProfile
	if err := gofakeit.Struct(&sensor); err != nil {
		return nil
	}
	sensor.SensorType = "temperature_humidity"
	return &sensor
}

// Measurement is one generated reading.
type Measurement struct {
	DeviceID         string
	Timestamp        time.Time
	Temperature      float64
	Humidity         float64
	Pressure         float64
	BatteryVoltage   float64
	RSSI             int
	DataQualityScore float64
}

// ReadingGenerator produces a correlated measurement stream for one device:
// temperature follows a daily cycle, humidity inversely correlates with
// temperature, pressure random-walks like a weather system, and the battery
// drains slowly.
type ReadingGenerator struct {
	deviceID         string
	baselineTemp     float64
	baselineHumidity float64
	baselinePressure float64
	noise            float64
	pressureTrend    float64
	battery          float64
}

// NewReadingGenerator creates a generator whose baselines sit inside the
// given temperature band, so most readings are compliant and the anomaly
// rate controls deviations.
func NewReadingGenerator(deviceID string, tempMin, tempMax float64) *ReadingGenerator {
	span := tempMax - tempMin
	return &ReadingGenerator{
		deviceID:         deviceID,
		baselineTemp:     tempMin + span*0.3 + rand.Float64()*span*0.4,
		baselineHumidity: 40.0 + rand.Float64()*20,
		baselinePressure: 1013.0 + (rand.Float64()-0.5)*20,
		noise:            rand.Float64() * 1.5,
		pressureTrend:    (rand.Float64() - 0.5) * 0.5,
		battery:          3.6 + rand.Float64()*0.6,
	}
}

// GenerateTemperature with daily pattern and occasional anomalies.
func (g *ReadingGenerator) GenerateTemperature(t time.Time) float64 {
	hour := float64(t.Hour())

	// Daily cycle (peak in the afternoon)
	dailyCycle := 1.5 * math.Sin((hour-6)*math.Pi/12)

	noise := (rand.Float64() - 0.5) * g.noise

	// Occasional excursions (door left open, compressor failure) - 5% chance
	anomaly := 0.0
	if rand.Float64() < 0.05 {
		anomaly = (rand.Float64() - 0.3) * 12
	}

	return g.baselineTemp + dailyCycle + noise + anomaly
}

// GenerateHumidity with inverse temperature correlation.
func (g *ReadingGenerator) GenerateHumidity(t time.Time, temperature float64) float64 {
	hour := float64(t.Hour())

	dailyCycle := -2 * math.Sin((hour-6)*math.Pi/12)
	tempEffect := -(temperature - g.baselineTemp) * 1.2
	noise := (rand.Float64() - 0.5) * g.noise * 0.5

	humidity := g.baselineHumidity + dailyCycle + tempEffect + noise
	return math.Max(5, math.Min(98, humidity))
}

// GeneratePressure with slow trending behavior.
func (g *ReadingGenerator) GeneratePressure(t time.Time) float64 {
	randomChange := (rand.Float64() - 0.5) * 0.5

	// Occasionally reverse trend (weather system passing) - 10% chance
	if rand.Float64() < 0.1 {
		g.pressureTrend = -g.pressureTrend + (rand.Float64()-0.5)*0.2
	}

	dayOfYear := float64(t.YearDay())
	seasonal := 3 * math.Sin(dayOfYear*2*math.Pi/365)

	g.baselinePressure += randomChange + g.pressureTrend
	g.baselinePressure = math.Max(980, math.Min(1045, g.baselinePressure))
	return g.baselinePressure + seasonal
}

// NextBatteryVoltage drains the battery slightly per reading.
func (g *ReadingGenerator) NextBatteryVoltage() float64 {
	g.battery -= rand.Float64() * 0.0005
	if g.battery < 3.0 {
		g.battery = 4.2 // field replacement
	}
	return g.battery
}

// Generate produces one correlated measurement at t.
func (g *ReadingGenerator) Generate(t time.Time) Measurement {
	temperature := g.GenerateTemperature(t)
	return Measurement{
		DeviceID:         g.deviceID,
		Timestamp:        t,
		Temperature:      temperature,
		Humidity:         g.GenerateHumidity(t, temperature),
		Pressure:         g.GeneratePressure(t),
		BatteryVoltage:   g.NextBatteryVoltage(),
		RSSI:             -90 + rand.Intn(60),
		DataQualityScore: 0.85 + rand.Float64()*0.15,
	}
}
