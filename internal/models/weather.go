package models

// WeatherRecord holds the weather attributes returned by a data source for one city.
// Values are display strings ("30°C", "50%") exactly as the upstream reports them.
type WeatherRecord struct {
	Temperature string `json:"temperature"`
	Humidity    string `json:"humidity"`
	Conditions  string `json:"conditions"`
}

// WeatherResponse is the JSON body returned by GET /weather.
type WeatherResponse struct {
	City        string `json:"city"`
	Temperature string `json:"temperature"`
	Humidity    string `json:"humidity"`
	Conditions  string `json:"conditions"`
}

// NewWeatherResponse combines the requested city with a fetched record.
func NewWeatherResponse(city string, rec WeatherRecord) WeatherResponse {
	return WeatherResponse{
		City:        city,
		Temperature: rec.Temperature,
		Humidity:    rec.Humidity,
		Conditions:  rec.Conditions,
	}
}

// ErrorResponse is the JSON body returned for every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}
