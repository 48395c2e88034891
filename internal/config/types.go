// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package config

// Global is config.json: process-wide settings not tied to a piece of
// equipment.
type Global struct {
	ListenAddr         string `mapstructure:"listen_addr" json:"listen_addr"`
	CaptureRoot        string `mapstructure:"capture_root" json:"capture_root"`
	DarkRoot           string `mapstructure:"dark_root" json:"dark_root"`
	Simulator          bool   `mapstructure:"simulator" json:"simulator"`
	SimulatorFrameDir  string `mapstructure:"simulator_frame_dir" json:"simulator_frame_dir"`
	PlateSolverPath    string `mapstructure:"plate_solver_path" json:"plate_solver_path"`
	PlateSolverCatalog string `mapstructure:"plate_solver_catalog" json:"plate_solver_catalog"`
	Debug              bool   `mapstructure:"debug" json:"debug"` // spec.md's "debug mode": keep solve sidecars and temp FITS instead of removing them
}

// Observatory is one entry of observatory.json: the site the mount is
// parked at, used for altitude-azimuth bookkeeping the original source
// keeps but this spec does not name an operation for -- carried as
// read/write equipment config only.
type Observatory struct {
	Name      string  `mapstructure:"name" json:"name"`
	Latitude  float64 `mapstructure:"latitude" json:"latitude"`
	Longitude float64 `mapstructure:"longitude" json:"longitude"`
	Elevation float64 `mapstructure:"elevation" json:"elevation"`
}

// Telescope is one entry of telescope.json: the Alpaca endpoint and optics
// of a mount, matching internal/device.AlpacaConfig's mount-relevant fields.
type Telescope struct {
	Name            string  `mapstructure:"name" json:"name"`
	FocalLengthMM   float64 `mapstructure:"focal_length_mm" json:"focal_length_mm"`
	ApertureMM      float64 `mapstructure:"aperture_mm" json:"aperture_mm"`
	AlpacaBaseURL   string  `mapstructure:"alpaca_base_url" json:"alpaca_base_url"`
	TelescopeDevice int     `mapstructure:"telescope_device" json:"telescope_device"`
	FocuserDevice   int     `mapstructure:"focuser_device" json:"focuser_device"`
	HasGPS          bool    `mapstructure:"has_gps" json:"has_gps"`
}

// Camera is one entry of cameras.json, matching the sensor-relevant fields
// of internal/device.AlpacaConfig plus the descriptive ones darklib and
// the stacker's header bookkeeping want.
type Camera struct {
	Name               string  `mapstructure:"name" json:"name"`
	PixelSizeUM        float64 `mapstructure:"pixel_size_um" json:"pixel_size_um"`
	WidthPx            int     `mapstructure:"width_px" json:"width_px"`
	HeightPx           int     `mapstructure:"height_px" json:"height_px"`
	DefaultGain        int     `mapstructure:"default_gain" json:"default_gain"`
	BayerPattern       string  `mapstructure:"bayer_pattern" json:"bayer_pattern"`
	AlpacaDeviceNumber int     `mapstructure:"alpaca_device_number" json:"alpaca_device_number"`
}

// FilterWheel is one entry of filterwheels.json: the filter name per Alpaca
// wheel position, matching internal/device.AlpacaConfig.FilterNames.
type FilterWheel struct {
	Name               string   `mapstructure:"name" json:"name"`
	Filters            []string `mapstructure:"filters" json:"filters"`
	AlpacaDeviceNumber int      `mapstructure:"alpaca_device_number" json:"alpaca_device_number"`
}

// Defaults is default.json: the currently-selected item per equipment
// category, by id (the map key in the corresponding equipment file).
type Defaults struct {
	Observatory string `mapstructure:"observatory" json:"observatory"`
	Telescope   string `mapstructure:"telescope" json:"telescope"`
	Camera      string `mapstructure:"camera" json:"camera"`
	FilterWheel string `mapstructure:"filter_wheel" json:"filter_wheel"`
}
