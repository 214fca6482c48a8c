package kindle

// Character maps of the Kindle key and PID tools. Values are fixed by the
// Kindle applications and must not change.
const (
	CharMap1 = "n5Pr6St7Uv8Wx9YzAb0Cd1Ef2Gh3Jk4M"
	CharMap3 = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"
	CharMap4 = "ABCDEFGHIJKLMNPQRSTUVWXYZ123456789"

	CharMap2Windows = "AaZzB0bYyCc1XxDdW2wEeVv3FfUuG4g-TtHh5SsIiR6rJjQq7KkPpL8lOoMm9Nn_"
	CharMap5Windows = "AzB0bYyCeVvaZ3FfUuG4g-TtHh5SsIiR6rJjQq7KkPpL8lOoMm9Nn_c1XxDdW2wE"

	CharMap2Mac = "ZB0bYyc1xDdW2wEV3Ff7KkPpL8UuGA4gz-Tme9Nn_tHh5SvXCsIiR6rJjQaqlOoM"
	CharMap5Mac = CharMap2Mac

	TestMap1 = "n5Pr6St7Uv8Wx9YzAb0Cd1Ef2Gh3Jk4M"
	TestMap6 = "9YzAb0Cd1Ef2n5Pr6St7Uvh3Jk4M8WxG"
	TestMap8 = "YvaZ3FfUm9Nn_c1XuG4yCAzB0beVg-TtHh5SsIiR6rJjQdW2wEq7KkPpL8lOoMxD"
)

// Known device database field names.
const (
	FieldDSN                = "DSN"
	FieldAccountTokens      = "kindle.account.tokens"
	FieldMazamaRandomNumber = "MazamaRandomNumber"
	FieldSerialNumber       = "SerialNumber"
	FieldIDString           = "IDString"
	FieldUsernameHash       = "UsernameHash"
	FieldUserName           = "UserName"
)
