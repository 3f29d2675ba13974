package resolver

// raidSets maps a raid-set parameter to the activity ids it covers. 23..25
// union two earlier tiers each.
var raidSets = map[uint32][]uint32{
	2:  {93, 94, 95, 96, 97},
	3:  {98, 99, 100, 101},
	4:  {107, 108, 109, 110},
	5:  {112, 113, 114, 115},
	6:  {136, 137, 138, 139},
	7:  {186, 187, 188, 189},
	8:  {252, 253, 254, 255},
	9:  {286, 287, 288, 289},
	10: {587, 588, 589, 590},
	11: {653, 684},
	12: {682, 689},
	13: {715, 719},
	14: {726, 728},
	15: {747, 749},
	16: {751, 758},
	17: {808, 810},
	18: {800, 806},
	19: {880, 872},
	20: {876, 883},
	21: {936, 938},
	22: {940, 942},
	23: {653, 682, 684, 689},
	24: {715, 719, 726, 728},
	25: {747, 749, 751, 758},
}

// allianceTiers maps a raid-set parameter to the level of the alliance raids
// it covers.
var allianceTiers = map[uint32]uint8{
	26: 50,
	27: 60,
	28: 70,
	29: 80,
	30: 90,
}
