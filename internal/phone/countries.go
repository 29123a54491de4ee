package phone

// countryPrefixes is the fixed dialing-prefix table. Two, three and four
// digit prefixes only; single digit zones resolve through the "+1" default.
var countryPrefixes = map[string]string{
	// Two digit prefixes.
	"+20": "Egypt",
	"+27": "South Africa",
	"+30": "Greece",
	"+31": "Netherlands",
	"+32": "Belgium",
	"+33": "France",
	"+34": "Spain",
	"+36": "Hungary",
	"+39": "Italy",
	"+40": "Romania",
	"+41": "Switzerland",
	"+43": "Austria",
	"+44": "United Kingdom",
	"+45": "Denmark",
	"+46": "Sweden",
	"+47": "Norway",
	"+48": "Poland",
	"+49": "Germany",
	"+51": "Peru",
	"+52": "Mexico",
	"+54": "Argentina",
	"+55": "Brazil",
	"+56": "Chile",
	"+57": "Colombia",
	"+60": "Malaysia",
	"+61": "Australia",
	"+62": "Indonesia",
	"+63": "Philippines",
	"+64": "New Zealand",
	"+65": "Singapore",
	"+66": "Thailand",
	"+81": "Japan",
	"+82": "South Korea",
	"+84": "Vietnam",
	"+86": "China",
	"+90": "Turkey",
	"+91": "India",
	"+92": "Pakistan",
	"+94": "Sri Lanka",
	"+95": "Myanmar",
	"+98": "Iran",

	// Three digit prefixes.
	"+212": "Morocco",
	"+213": "Algeria",
	"+216": "Tunisia",
	"+218": "Libya",
	"+220": "Gambia",
	"+221": "Senegal",
	"+234": "Nigeria",
	"+249": "Sudan",
	"+254": "Kenya",
	"+255": "Tanzania",
	"+256": "Uganda",
	"+351": "Portugal",
	"+353": "Ireland",
	"+358": "Finland",
	"+359": "Bulgaria",
	"+380": "Ukraine",
	"+381": "Serbia",
	"+385": "Croatia",
	"+420": "Czechia",
	"+421": "Slovakia",
	"+855": "Cambodia",
	"+880": "Bangladesh",
	"+886": "Taiwan",
	"+960": "Maldives",
	"+961": "Lebanon",
	"+962": "Jordan",
	"+963": "Syria",
	"+964": "Iraq",
	"+965": "Kuwait",
	"+966": "Saudi Arabia",
	"+967": "Yemen",
	"+968": "Oman",
	"+970": "Palestine",
	"+971": "United Arab Emirates",
	"+972": "Israel",
	"+973": "Bahrain",
	"+974": "Qatar",
	"+977": "Nepal",
	"+994": "Azerbaijan",
	"+995": "Georgia",
	"+996": "Kyrgyzstan",
	"+998": "Uzbekistan",

	// Four digit North American Numbering Plan islands.
	"+1242": "Bahamas",
	"+1246": "Barbados",
	"+1268": "Antigua and Barbuda",
	"+1345": "Cayman Islands",
	"+1876": "Jamaica",
}

// CountryName returns the display name for a dialing prefix, or "" when the
// prefix is not in the table.
func CountryName(prefix string) string {
	return countryPrefixes[prefix]
}
